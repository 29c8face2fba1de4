package batching

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

type fakeSession struct {
	mu     sync.Mutex
	marked map[string]int64
	commits int
}

func newFakeSession() *fakeSession {
	return &fakeSession{marked: make(map[string]int64)}
}

func (f *fakeSession) Claims() map[string][]int32                             { return nil }
func (f *fakeSession) MemberID() string                                       { return "" }
func (f *fakeSession) GenerationID() int32                                    { return 0 }
func (f *fakeSession) MarkOffset(topic string, partition int32, offset int64, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[topic] = offset
}
func (f *fakeSession) Commit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
}
func (f *fakeSession) ResetOffset(string, int32, int64, string)  {}
func (f *fakeSession) MarkMessage(*sarama.ConsumerMessage, string) {}
func (f *fakeSession) Context() context.Context                  { return context.Background() }
func (f *fakeSession) Pause(map[string][]int32)                  {}
func (f *fakeSession) Resume(map[string][]int32)                 {}
func (f *fakeSession) PauseAll()                                 {}
func (f *fakeSession) ResumeAll()                                {}

type recordingWorker struct {
	mu      sync.Mutex
	flushed [][]interface{}
	failNext bool
}

func (w *recordingWorker) ProcessMessage(msg *sarama.ConsumerMessage) (interface{}, error) {
	return string(msg.Value), nil
}

func (w *recordingWorker) FlushBatch(batch []interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext {
		w.failNext = false
		return errors.New("flush failed")
	}
	cp := append([]interface{}{}, batch...)
	w.flushed = append(w.flushed, cp)
	return nil
}

// P6-adjacent: batch flushes once max_batch_size is reached and
// commits one past the highest offset seen.
func TestHarnessFlushesOnSize(t *testing.T) {
	worker := &recordingWorker{}
	h := NewHarness(Config{MaxBatchSize: 2, MaxBatchTime: time.Hour}, worker)
	session := newFakeSession()

	for i, v := range []string{"a", "b"} {
		msg := &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: int64(i), Value: []byte(v)}
		if err := h.Handle(session, msg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	worker.mu.Lock()
	if len(worker.flushed) != 1 || len(worker.flushed[0]) != 2 {
		t.Fatalf("expected one flush of 2 items, got %v", worker.flushed)
	}
	worker.mu.Unlock()

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.marked["t"] != 2 {
		t.Fatalf("expected offset marked one past highest (2), got %d", session.marked["t"])
	}
	if session.commits != 1 {
		t.Fatalf("expected exactly one commit, got %d", session.commits)
	}
}

// A ProcessMessage error (decode failure) must discard whatever
// accumulated in the current batch without marking or committing any
// offset, per spec.md §7: InvalidPayload/InvalidVersion/
// UnexpectedOperation must not advance the commit position.
func TestHarnessNoCommitOnProcessMessageFailure(t *testing.T) {
	worker := &recordingWorker{}
	h := NewHarness(Config{MaxBatchSize: 10, MaxBatchTime: time.Hour}, &failingProcessWorker{recordingWorker: worker})
	session := newFakeSession()

	goodMsg := &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 0, Value: []byte("a")}
	if err := h.Handle(session, goodMsg); err != nil {
		t.Fatalf("unexpected error on first message: %v", err)
	}

	badMsg := &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Value: []byte("bad")}
	if err := h.Handle(session, badMsg); err == nil {
		t.Fatal("expected an error from the failing message")
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.commits != 0 {
		t.Fatalf("expected no commit after a process_message failure, got %d", session.commits)
	}
	if _, marked := session.marked["t"]; marked {
		t.Fatal("expected no offset marked after a process_message failure")
	}

	worker.mu.Lock()
	defer worker.mu.Unlock()
	if len(worker.flushed) != 0 {
		t.Fatalf("expected no flush to have happened, got %v", worker.flushed)
	}
}

type failingProcessWorker struct {
	*recordingWorker
}

func (w *failingProcessWorker) ProcessMessage(msg *sarama.ConsumerMessage) (interface{}, error) {
	if string(msg.Value) == "bad" {
		return nil, errors.New("decode failed")
	}
	return w.recordingWorker.ProcessMessage(msg)
}

// A failed flush must not advance offsets.
func TestHarnessNoCommitOnFlushFailure(t *testing.T) {
	worker := &recordingWorker{failNext: true}
	h := NewHarness(Config{MaxBatchSize: 1, MaxBatchTime: time.Hour}, worker)
	session := newFakeSession()

	msg := &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 0, Value: []byte("a")}
	_ = h.Handle(session, msg)

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.commits != 0 {
		t.Fatalf("expected no commit after failed flush, got %d", session.commits)
	}
}

// Concurrency bounds how many ProcessMessage calls run at once.
func TestHarnessConcurrencyBound(t *testing.T) {
	var inFlight int32
	var maxSeen int32
	worker := &boundedProbeWorker{inFlight: &inFlight, maxSeen: &maxSeen}
	h := NewHarness(Config{MaxBatchSize: 100, MaxBatchTime: time.Hour, Concurrency: 2}, worker)
	session := newFakeSession()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := &sarama.ConsumerMessage{Topic: "t", Partition: int32(i % 2), Offset: int64(i), Value: []byte("x")}
			_ = h.Handle(session, msg)
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&maxSeen) > 2 {
		t.Fatalf("expected at most 2 concurrent ProcessMessage calls, saw %d", maxSeen)
	}
}

type boundedProbeWorker struct {
	mu       sync.Mutex
	inFlight *int32
	maxSeen  *int32
}

func (w *boundedProbeWorker) ProcessMessage(msg *sarama.ConsumerMessage) (interface{}, error) {
	cur := atomic.AddInt32(w.inFlight, 1)
	defer atomic.AddInt32(w.inFlight, -1)
	for {
		max := atomic.LoadInt32(w.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(w.maxSeen, max, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return nil, nil
}

func (w *boundedProbeWorker) FlushBatch(batch []interface{}) error { return nil }

// Time-bounded flush: a batch under the size bound still flushes once
// MaxBatchTime elapses.
func TestHarnessFlushesOnAge(t *testing.T) {
	worker := &recordingWorker{}
	h := NewHarness(Config{MaxBatchSize: 1000, MaxBatchTime: 20 * time.Millisecond}, worker)
	h.Start()
	defer h.Stop()
	session := newFakeSession()

	msg := &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 0, Value: []byte("a")}
	_ = h.Handle(session, msg)

	deadline := time.After(time.Second)
	for {
		worker.mu.Lock()
		flushed := len(worker.flushed)
		worker.mu.Unlock()
		if flushed > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("batch never aged out")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
