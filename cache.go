package contentcore

import (
	"container/list"
	"sync"
	"time"
)

// docState is the per-(type,id) unit of ownership: a cache entry plus the
// set of open streams for that document, guarded by its own mutex so that
// mutation of one document never blocks another.
type docState struct {
	mu sync.Mutex

	cache   *cacheEntry
	streams map[*OperationStream]struct{}

	topicSubscribed bool
	topicSub        Subscription
}

// cacheEntry is a Document Cache Entry: an anchor snapshot plus the
// contiguous run of operations immediately following it. cachedAt[i] is
// when operations[i] entered the buffer, used for the age-based half of
// the eviction policy (the oldest cached operation is older than
// now - cacheTTL).
type cacheEntry struct {
	snapshot   Snapshot
	operations []Operation
	cachedAt   []time.Time
	expireAt   time.Time
	expireElem *list.Element // this entry's node in Backend.expiring, or nil if pinned
}

func newDocState() *docState {
	return &docState{streams: make(map[*OperationStream]struct{})}
}

// appendOperations appends ops to entry's buffer, stamping each with the
// current time for age-based eviction, then runs evictOperations.
func (b *Backend) appendOperations(ct ContentType, entry *cacheEntry, ops ...Operation) {
	now := time.Now()
	for _, op := range ops {
		entry.operations = append(entry.operations, op)
		entry.cachedAt = append(entry.cachedAt, now)
	}
	b.evictOperations(ct, entry)
}

// evictOperations folds operations out of the front of the buffer, via
// Apply, until it satisfies both the cacheLimit and cacheTTL bounds. ct
// may be nil if the ContentType could not be resolved; in that case nothing
// is evicted, since folding requires Apply.
func (b *Backend) evictOperations(ct ContentType, entry *cacheEntry) {
	cutoff := time.Now().Add(-b.cfg.cacheTTL)
	for len(entry.operations) > 0 {
		tooOld := entry.cachedAt[0].Before(cutoff)
		tooMany := len(entry.operations) > b.cfg.cacheLimit
		if !tooOld && !tooMany {
			break
		}
		if ct == nil {
			break
		}
		next, err := ct.Apply(entry.snapshot, entry.operations[0])
		if err != nil {
			// A fold failure would corrupt the cache beyond repair; drop the
			// whole buffer and let the next read fall back to the store.
			entry.operations = nil
			entry.cachedAt = nil
			return
		}
		entry.snapshot = next
		entry.operations = entry.operations[1:]
		entry.cachedAt = entry.cachedAt[1:]
	}
}
