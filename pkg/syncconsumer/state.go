package syncconsumer

import (
	"sync"

	"github.com/cuemby/postprocess-forwarder/pkg/types"
)

// partitionState tracks local/remote offsets for one assigned
// partition, per spec.md §4.3. remoteOffset of -1 means "unknown",
// which keeps the partition PAUSED until the commit log reports
// something concrete for it.
type partitionState struct {
	mu           sync.Mutex
	cond         *sync.Cond
	localOffset  int64
	remoteOffset int64
	revoked      bool
}

func newPartitionState() *partitionState {
	s := &partitionState{remoteOffset: -1}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// waitUntilDeliverable blocks until offset is deliverable (remoteOffset
// > offset) or the partition is revoked. Returns false if revoked.
func (s *partitionState) waitUntilDeliverable(offset int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.revoked && s.remoteOffset <= offset {
		s.cond.Wait()
	}
	return !s.revoked
}

func (s *partitionState) markDelivered(offset int64) {
	s.mu.Lock()
	s.localOffset = offset + 1
	s.mu.Unlock()
}

func (s *partitionState) updateRemoteOffset(offset int64) {
	s.mu.Lock()
	if offset > s.remoteOffset {
		s.remoteOffset = offset
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *partitionState) revoke() {
	s.mu.Lock()
	s.revoked = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// shouldRun reports whether the partition should currently be RUNNING
// (true) or PAUSED (false), per the algorithm in spec.md §4.3 step 2.
func (s *partitionState) shouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localOffset < s.remoteOffset
}

func (s *partitionState) lag() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteOffset < 0 {
		return 0
	}
	return s.remoteOffset - s.localOffset
}

// partitionTable is the mutex-guarded map of assigned partitions,
// following the same guarded-map idiom the teacher uses for its
// in-process container/subscriber tables.
type partitionTable struct {
	mu    sync.RWMutex
	table map[types.TopicPartition]*partitionState
}

func newPartitionTable() *partitionTable {
	return &partitionTable{table: make(map[types.TopicPartition]*partitionState)}
}

func (t *partitionTable) assign(tp types.TopicPartition) *partitionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := newPartitionState()
	t.table[tp] = s
	return s
}

func (t *partitionTable) revokeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tp, s := range t.table {
		s.revoke()
		delete(t.table, tp)
	}
}

func (t *partitionTable) get(tp types.TopicPartition) (*partitionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.table[tp]
	return s, ok
}
