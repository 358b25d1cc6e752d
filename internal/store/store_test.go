package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"taskforge/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { _ = database.CloseDB(db) })
	s := New(db, zerolog.Nop())
	// jobs.client_id references clients(id), so the clients the tests
	// submit jobs for must exist first.
	for _, id := range []string{"client-1", "c1"} {
		if err := s.CreateClient(ctx, Client{ID: id, Name: id, Email: id + "@example.com", APIKeyHash: "x"}); err != nil {
			t.Fatalf("CreateClient: %v", err)
		}
	}
	return s
}

func seedJob(t *testing.T, s *Store, jobID string, tasks []NewTask) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateJob(ctx, Job{ID: jobID, ClientID: "client-1", Kind: KindSendMessages}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateTasks(ctx, tasks); err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}
}

func TestCreateJob_IdempotentOnID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := Job{ID: "job-1", ClientID: "c1", Kind: KindSendMessages, Priority: 5}

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("first CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("second CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Priority != 5 {
		t.Fatalf("expected priority unchanged at 5, got %d", got.Priority)
	}
}

func TestCreateTasks_MergesOverlappingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedJob(t, s, "job-2", []NewTask{{ID: "job-2:send_messages:alice", JobID: "job-2", Kind: KindSendMessages, Target: "alice"}})

	// Re-submit the same id plus a new one: the first must not duplicate.
	if err := s.CreateTasks(ctx, []NewTask{
		{ID: "job-2:send_messages:alice", JobID: "job-2", Kind: KindSendMessages, Target: "alice"},
		{ID: "job-2:send_messages:bob", JobID: "job-2", Kind: KindSendMessages, Target: "bob"},
	}); err != nil {
		t.Fatalf("CreateTasks overlap: %v", err)
	}

	p, err := s.JobProgress(ctx, "job-2")
	if err != nil {
		t.Fatalf("JobProgress: %v", err)
	}
	if p.Total != 2 {
		t.Fatalf("expected 2 tasks after merge, got %d", p.Total)
	}
}

func TestClaimNext_PriorityThenFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedJob(t, s, "job-3", []NewTask{
		{ID: "job-3:k:a", JobID: "job-3", Kind: KindSendMessages, Target: "a", Priority: 1},
		{ID: "job-3:k:b", JobID: "job-3", Kind: KindSendMessages, Target: "b", Priority: 1},
		{ID: "job-3:k:c", JobID: "job-3", Kind: KindSendMessages, Target: "c", Priority: 1},
		{ID: "job-3:k:d", JobID: "job-3", Kind: KindSendMessages, Target: "d", Priority: 9},
	})

	first, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w1", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}
	if first.Target != "d" {
		t.Fatalf("expected priority-9 task claimed first, got target %q", first.Target)
	}

	second, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w1", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("ClaimNext 2: ok=%v err=%v", ok, err)
	}
	if second.Target != "a" {
		t.Fatalf("expected FIFO tiebreak to claim 'a' next, got %q", second.Target)
	}
}

func TestClaimNext_NoDoubleAssignmentUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedJob(t, s, "job-4", []NewTask{{ID: "job-4:k:only", JobID: "job-4", Kind: KindSendMessages, Target: "only"}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w", 5*time.Second)
			if err != nil {
				t.Errorf("ClaimNext worker %d: %v", n, err)
				return
			}
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if claims != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", claims)
	}
}

func TestMarkDone_RequiresLeased(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedJob(t, s, "job-5", []NewTask{{ID: "job-5:k:x", JobID: "job-5", Kind: KindSendMessages, Target: "x"}})

	// Not leased yet — mark_done should be a no-op, not an error.
	if err := s.MarkDone(ctx, "job-5:k:x", "job-5"); err != nil {
		t.Fatalf("MarkDone on unleased task: %v", err)
	}

	task, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w1", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}

	if err := s.MarkDone(ctx, task.ID, "job-5"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	p, err := s.JobProgress(ctx, "job-5")
	if err != nil {
		t.Fatalf("JobProgress: %v", err)
	}
	if p.Done != 1 {
		t.Fatalf("expected 1 done task, got %d", p.Done)
	}
}

func TestRequeueTaskWithAttemptsCap_TerminalAfterMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedJob(t, s, "job-6", []NewTask{{ID: "job-6:k:x", JobID: "job-6", Kind: KindSendMessages, Target: "x", MaxAttempts: 3}})

	for i := 0; i < 3; i++ {
		task, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w1", 5*time.Second)
		if err != nil || !ok {
			t.Fatalf("ClaimNext attempt %d: ok=%v err=%v", i+1, ok, err)
		}
		requeued, err := s.RequeueTaskWithAttemptsCap(ctx, task.ID, "job-6", "driver_dead")
		if err != nil {
			t.Fatalf("RequeueTaskWithAttemptsCap attempt %d: %v", i+1, err)
		}
		if i < 2 && !requeued {
			t.Fatalf("expected requeue on attempt %d", i+1)
		}
		if i == 2 && requeued {
			t.Fatalf("expected terminal error on final attempt, got requeue")
		}
	}

	p, err := s.JobProgress(ctx, "job-6")
	if err != nil {
		t.Fatalf("JobProgress: %v", err)
	}
	if p.Error != 1 {
		t.Fatalf("expected 1 errored task after exhausting attempts, got %d", p.Error)
	}
}

func TestReclaimExpiredLeases_ThenReclaimIncrementsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedJob(t, s, "job-7", []NewTask{{ID: "job-7:k:x", JobID: "job-7", Kind: KindSendMessages, Target: "x", LeaseTTL: 1 * time.Second}})

	task, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w1", 1*time.Second)
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}
	if task.Attempts != 1 {
		t.Fatalf("expected attempts=1 after first claim, got %d", task.Attempts)
	}

	time.Sleep(1100 * time.Millisecond)

	n, err := s.ReclaimExpiredLeases(ctx, 100)
	if err != nil {
		t.Fatalf("ReclaimExpiredLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed lease, got %d", n)
	}

	task2, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w2", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("re-claim after reap: ok=%v err=%v", ok, err)
	}
	if task2.Attempts != 2 {
		t.Fatalf("expected attempts=2 after reap+reclaim, got %d", task2.Attempts)
	}
}

func TestCancelJob_BlocksFutureClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedJob(t, s, "job-8", []NewTask{{ID: "job-8:k:x", JobID: "job-8", Kind: KindSendMessages, Target: "x"}})

	if err := s.CancelJob(ctx, "job-8"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	_, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w1", 5*time.Second)
	if err != nil {
		t.Fatalf("ClaimNext after cancel: %v", err)
	}
	if ok {
		t.Fatalf("expected no claim on a cancelled job's task")
	}
}

func TestSyncJobStatus_PartialFailureFinishesDone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedJob(t, s, "job-10", []NewTask{
		{ID: "job-10:k:a", JobID: "job-10", Kind: KindSendMessages, Target: "a", MaxAttempts: 1},
		{ID: "job-10:k:b", JobID: "job-10", Kind: KindSendMessages, Target: "b", MaxAttempts: 1},
	})

	first, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w1", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}
	if err := s.MarkDone(ctx, first.ID, "job-10"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	second, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w1", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("ClaimNext 2: ok=%v err=%v", ok, err)
	}
	if err := s.MarkError(ctx, second.ID, "job-10", "driver_dead"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}

	job, err := s.GetJob(ctx, "job-10")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobDone {
		t.Fatalf("expected partially-successful job to finish done, got %q", job.Status)
	}
	if job.ErroredTasks != 1 {
		t.Fatalf("expected errored_tasks=1, got %d", job.ErroredTasks)
	}
}

func TestSyncJobStatus_AllTasksErroredFailsJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedJob(t, s, "job-11", []NewTask{
		{ID: "job-11:k:a", JobID: "job-11", Kind: KindSendMessages, Target: "a", MaxAttempts: 1},
	})

	task, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w1", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}
	if err := s.MarkError(ctx, task.ID, "job-11", "driver_dead"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}

	job, err := s.GetJob(ctx, "job-11")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobFailed {
		t.Fatalf("expected job with every task errored to be failed, got %q", job.Status)
	}
}

func TestJobProgress_MatchesStatusCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedJob(t, s, "job-9", []NewTask{
		{ID: "job-9:k:a", JobID: "job-9", Kind: KindSendMessages, Target: "a"},
		{ID: "job-9:k:b", JobID: "job-9", Kind: KindSendMessages, Target: "b"},
	})

	task, ok, err := s.ClaimNext(ctx, []string{KindSendMessages}, "w1", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}
	if err := s.MarkDone(ctx, task.ID, "job-9"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	p, err := s.JobProgress(ctx, "job-9")
	if err != nil {
		t.Fatalf("JobProgress: %v", err)
	}
	if p.Total != 2 || p.Done != 1 || p.Pending != 1 {
		t.Fatalf("unexpected progress: %+v", p)
	}
}
