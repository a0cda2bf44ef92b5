package contentcore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// workLoop is the stream updater: a task that drains a dirty-set and idles
// while it is empty, with an external notify primitive to wake it; it exits
// only when stopped. One workLoop runs per Backend.
type workLoop struct {
	b *Backend

	mu    sync.Mutex
	dirty map[string]struct{}

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopped  chan struct{}

	backoffMu sync.Mutex
	attempts  map[string]int
}

func newWorkLoop(b *Backend) *workLoop {
	wl := &workLoop{
		b:        b,
		dirty:    make(map[string]struct{}),
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		attempts: make(map[string]int),
	}
	go wl.run()
	return wl
}

// notifyDirty marks docKey dirty and wakes the loop. It is the sole
// producer-side entry point: called after a submit, a new subscription, or
// a live pub/sub push that finds a behind stream.
func (wl *workLoop) notifyDirty(key string) {
	wl.mu.Lock()
	wl.dirty[key] = struct{}{}
	wl.mu.Unlock()
	wl.wake()
}

func (wl *workLoop) wake() {
	select {
	case wl.notifyCh <- struct{}{}:
	default:
	}
}

func (wl *workLoop) readd(key string) {
	wl.mu.Lock()
	wl.dirty[key] = struct{}{}
	wl.mu.Unlock()
}

func (wl *workLoop) claimAll() []string {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	if len(wl.dirty) == 0 {
		return nil
	}
	keys := make([]string, 0, len(wl.dirty))
	for k := range wl.dirty {
		keys = append(keys, k)
		delete(wl.dirty, k)
	}
	return keys
}

func (wl *workLoop) stop() {
	close(wl.stopCh)
	<-wl.stopped
}

// run drains the dirty set, processing every currently-dirty key
// concurrently, then idles until notified or stopped.
func (wl *workLoop) run() {
	defer close(wl.stopped)
	for {
		keys := wl.claimAll()
		if len(keys) == 0 {
			select {
			case <-wl.notifyCh:
				continue
			case <-wl.stopCh:
				return
			}
		}

		var wg sync.WaitGroup
		for _, key := range keys {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				wl.processOne(key)
			}(key)
		}
		wg.Wait()
	}
}

// processOne runs one refresh attempt for key and, on failure, waits out an
// exponential back-off (cancelable by a fresh notify) before re-adding it
// to the dirty set.
func (wl *workLoop) processOne(key string) {
	if err := wl.processKey(key); err == nil {
		wl.resetBackoff(key)
		return
	}

	delay := wl.nextBackoff(key)
	select {
	case <-time.After(delay):
	case <-wl.notifyCh:
	case <-wl.stopCh:
		return
	}
	wl.readd(key)
	wl.wake()
}

// nextBackoff returns floor(minDelay * factor^attempt) clamped to
// [minDelay, maxDelay] and advances the attempt counter for key. The
// counter resets on a successful iteration via resetBackoff.
func (wl *workLoop) nextBackoff(key string) time.Duration {
	wl.backoffMu.Lock()
	defer wl.backoffMu.Unlock()

	attempt := wl.attempts[key]
	cfg := wl.b.cfg
	delay := time.Duration(float64(cfg.minRetryDelay) * math.Pow(cfg.retryFactor, float64(attempt)))
	if delay < cfg.minRetryDelay {
		delay = cfg.minRetryDelay
	}
	if delay > cfg.maxRetryDelay {
		delay = cfg.maxRetryDelay
	}
	wl.attempts[key] = attempt + 1
	return delay
}

func (wl *workLoop) resetBackoff(key string) {
	wl.backoffMu.Lock()
	delete(wl.attempts, key)
	wl.backoffMu.Unlock()
}

// processKey runs one refresh pass for a single docKey: it finds every
// stream behind the latest loaded batch, loads the operations they need,
// and pushes them in.
func (wl *workLoop) processKey(key string) error {
	b := wl.b

	b.mu.Lock()
	ds := b.docs[key]
	b.mu.Unlock()
	if ds == nil {
		return nil
	}

	type candidate struct {
		versionNext uint64
		versionEnd  uint64
	}

	ds.mu.Lock()
	var candidates []candidate
	var docType, id string
	for s := range ds.streams {
		if !s.NeedsUpdate() {
			continue
		}
		candidates = append(candidates, candidate{versionNext: s.VersionNext(), versionEnd: s.VersionEnd})
		docType, id = s.Type, s.ID
	}
	ds.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].versionNext != candidates[j].versionNext {
			return candidates[i].versionNext < candidates[j].versionNext
		}
		return candidates[i].versionEnd > candidates[j].versionEnd
	})

	from := candidates[0].versionNext
	to := candidates[0].versionEnd
	for _, c := range candidates[1:] {
		if c.versionNext <= to && c.versionEnd > to {
			to = c.versionEnd
		}
	}
	if to > from+b.cfg.loadLimit {
		to = from + b.cfg.loadLimit
	}

	ops, err := b.LoadOperations(context.Background(), docType, id, from, to)
	if err != nil {
		var first *OperationStream
		ds.mu.Lock()
		for s := range ds.streams {
			if s.VersionNext() == from {
				first = s
				break
			}
		}
		ds.mu.Unlock()
		// Closed outside ds.mu: the stream's onClose unregisters it, which
		// takes ds.mu itself.
		if first != nil {
			first.closeWithErr(err)
		}
		wl.readd(key)
		return err
	}

	ds.mu.Lock()
	streams := make([]*OperationStream, 0, len(ds.streams))
	for s := range ds.streams {
		streams = append(streams, s)
	}
	ds.mu.Unlock()

	var pushErr error
	for _, op := range ops {
		for _, s := range streams {
			if s.VersionNext() == op.Version {
				pushErr = multierr.Append(pushErr, s.pushOperation(op))
			}
		}
	}
	if pushErr != nil {
		b.cfg.onWarning(docType, id, pushErr)
	}

	if len(ops) > 0 && ops[len(ops)-1].Version == to-1 {
		wl.readd(key)
		wl.wake()
	}

	return nil
}
