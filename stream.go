package contentcore

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Recv once a stream has delivered its last
// operation (versionNext == versionEnd), was born closed, or was closed from
// the producer side with no error. After a consumer-side Close, Recv still
// returns any buffered operations but does not return ErrStreamClosed; it
// blocks until ctx is done.
var ErrStreamClosed = errors.New("contentcore: stream closed")

// streamItem is the unit carried on an OperationStream's internal channel.
// Operations and the terminal close/error signal share one channel so that
// ordering between "last operation" and "stream closed" is guaranteed by
// channel FIFO semantics rather than a race between two channels.
type streamItem struct {
	op  Operation
	err error // non-nil only on the terminal item
}

// OperationStream is a bounded, ordered, push-only conduit for Operations
// on a fixed (type, id) document within [versionStart, versionEnd).
//
// The write side (pushOperation) is unexported: only the Backend that
// constructs a stream (in the same package) can push to it or close it from
// the producer side. Any other caller that tries to write to the stream
// does not compile, which is the idiomatic-Go rendering of "a consumer
// attempting to write observes a not-supported failure".
//
// OperationStream is safe for concurrent use: Recv is intended to be called
// by a single consumer goroutine, but Close and the producer-side push/
// close methods may be called from other goroutines at any time.
type OperationStream struct {
	Type         string
	ID           string
	VersionStart uint64
	VersionEnd   uint64

	mu          sync.Mutex
	versionNext uint64
	closed      bool
	items       chan streamItem
	stopCh      chan struct{} // closed exactly once, the moment the stream transitions to closed
	onClose     func()        // notifies the owner (Backend) that the consumer went away
}

// NewOperationStream constructs a stream over [versionStart, versionEnd).
// If versionStart == versionEnd the stream is born closed and Recv returns
// ErrStreamClosed immediately: an empty requested range produces an
// immediately-closed stream.
func NewOperationStream(docType, id string, versionStart, versionEnd uint64, bufferSize int) *OperationStream {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	s := &OperationStream{
		Type:         docType,
		ID:           id,
		VersionStart: versionStart,
		VersionEnd:   versionEnd,
		versionNext:  versionStart,
		items:        make(chan streamItem, bufferSize),
		stopCh:       make(chan struct{}),
	}
	if versionStart == versionEnd {
		s.closed = true
		close(s.items)
		close(s.stopCh)
	}
	return s
}

// VersionNext returns the version the stream next expects to push.
func (s *OperationStream) VersionNext() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionNext
}

// NeedsUpdate reports whether the stream is still open and behind its
// versionEnd, i.e. whether the work loop should consider it when filtering
// streams for a document.
func (s *OperationStream) NeedsUpdate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.versionNext < s.VersionEnd
}

// pushOperation delivers op if it is the next expected version, discards it
// silently if it is a stale replay, and fails fatally (ErrAssertion) if it
// arrives out of sequence. The Backend must not call this concurrently for
// the same stream from two goroutines; it already serializes all mutation
// of a document's streams behind that document's single-writer lock.
func (s *OperationStream) pushOperation(op Operation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if op.Version < s.versionNext {
		// Idempotent replay protection: pub/sub is at-least-once and
		// store-backed backfill may race with it.
		s.mu.Unlock()
		return nil
	}
	if op.Version > s.versionNext {
		s.mu.Unlock()
		err := &OutOfSequenceError{Type: s.Type, ID: s.ID, Got: op.Version, Expected: s.versionNext}
		s.closeWithErr(err)
		return err
	}

	s.versionNext++
	done := s.versionNext == s.VersionEnd
	s.mu.Unlock()

	select {
	case s.items <- streamItem{op: op}:
	case <-s.stopCh:
		// The consumer closed the stream (or it closed from the producer
		// side via a race with another pushOperation) while this send was
		// blocked on a full buffer; stop trying rather than leak.
		return nil
	}
	if done {
		s.closeProducer(nil)
	}
	return nil
}

// closeWithErr is the producer-side error close: the work loop uses it when
// a store/pub-sub error occurs while refreshing this stream, surfacing it
// as that stream's terminal error.
func (s *OperationStream) closeWithErr(err error) {
	s.closeProducer(err)
}

// closeProducer closes the stream from the producer (Backend) side. It is
// idempotent.
func (s *OperationStream) closeProducer(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()

	if err != nil {
		select {
		case s.items <- streamItem{err: err}:
		default:
			// Buffer full and no consumer draining it: the consumer will
			// see a plain ErrStreamClosed once it works through the
			// buffered operations rather than this terminal error, but
			// nothing blocks waiting for a reader that may never return.
		}
	}
	close(s.items)
	s.fireOnClose()
}

// OnClose registers a callback invoked exactly once, the first time the
// stream transitions to closed from either side. The Backend uses this to
// unregister the stream from its registry.
func (s *OperationStream) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Close closes the stream from the consumer side. It is idempotent and is
// the sole cancellation primitive a consumer has. Closing stopCh (rather
// than items itself, which could race a producer's send) unblocks a
// pushOperation that is blocked sending into a full buffer so it does not
// leak; items is left for the garbage collector once both sides stop
// touching it.
func (s *OperationStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	cb := s.onClose
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

// Recv blocks until the next operation is available, the stream closes
// cleanly (ErrStreamClosed), the stream closes with an error, or ctx is
// done.
func (s *OperationStream) Recv(ctx context.Context) (Operation, error) {
	select {
	case item, ok := <-s.items:
		if !ok {
			return Operation{}, ErrStreamClosed
		}
		if item.err != nil {
			return Operation{}, item.err
		}
		return item.op, nil
	case <-ctx.Done():
		return Operation{}, ctx.Err()
	}
}

func (s *OperationStream) fireOnClose() {
	s.mu.Lock()
	cb := s.onClose
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}
