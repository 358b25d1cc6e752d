package router

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"taskforge/internal/database"
	"taskforge/internal/dispatch"
	"taskforge/internal/store"
	"taskforge/internal/worker"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, zerolog.Nop())
	// jobs.client_id references clients(id); seedJobWithTask submits as client-1.
	if err := st.CreateClient(ctx, store.Client{ID: "client-1", Name: "client-1", Email: "client-1@example.com", APIKeyHash: "x"}); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	return st
}

func seedJobWithTask(t *testing.T, st *store.Store, kind, target string, priority int) (jobID, taskID string) {
	t.Helper()
	ctx := context.Background()
	jobID = store.NewJobID()
	if err := st.CreateJob(ctx, store.Job{ID: jobID, ClientID: "client-1", Kind: kind, Priority: priority}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	taskID = store.TaskID(jobID, kind, target)
	err := st.CreateTasks(ctx, []store.NewTask{{
		ID: taskID, JobID: jobID, Kind: kind, Target: target, Priority: priority,
		Payload: map[string]any{"username": target, "text": "hi"},
	}})
	if err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}
	return jobID, taskID
}

func TestRouter_AssignsTaskToReadyWorker(t *testing.T) {
	st := newTestStore(t)
	_, taskID := seedJobWithTask(t, st, store.KindSendMessages, "bob", 0)

	rt := New(Config{}, st, zerolog.Nop(), 4, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	inbox := make(chan worker.Envelope, 1)
	if err := rt.RegisterWorker(&WorkerHandle{WorkerID: "w1", Account: "acct-1", SupportedKinds: []string{store.KindSendMessages}, Inbox: inbox}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	rt.ReadyChan() <- worker.ReadySignal{WorkerID: "w1", Account: "acct-1", SupportedKinds: []string{store.KindSendMessages}}

	select {
	case env := <-inbox:
		if env.Task.ID != taskID {
			t.Fatalf("expected task %q, got %q", taskID, env.Task.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for task assignment")
	}
}

func TestRouter_RespectsPerAccountInflightCap(t *testing.T) {
	st := newTestStore(t)
	seedJobWithTask(t, st, store.KindSendMessages, "bob", 0)
	seedJobWithTask(t, st, store.KindSendMessages, "carol", 0)

	rt := New(Config{MaxInflightPerAccount: 1}, st, zerolog.Nop(), 4, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	inbox := make(chan worker.Envelope, 4)
	if err := rt.RegisterWorker(&WorkerHandle{WorkerID: "w1", Account: "acct-1", SupportedKinds: []string{store.KindSendMessages}, Inbox: inbox}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	rt.Wake()

	select {
	case <-inbox:
	case <-time.After(3 * time.Second):
		t.Fatal("expected first task assignment")
	}

	select {
	case env := <-inbox:
		t.Fatalf("expected no second assignment while account is at cap, got %+v", env)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRouter_ResultEnvelopeMarksDoneAndFreesSlot(t *testing.T) {
	st := newTestStore(t)
	_, taskID := seedJobWithTask(t, st, store.KindSendMessages, "bob", 0)

	rt := New(Config{MaxInflightPerAccount: 1}, st, zerolog.Nop(), 4, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	inbox := make(chan worker.Envelope, 1)
	if err := rt.RegisterWorker(&WorkerHandle{WorkerID: "w1", Account: "acct-1", SupportedKinds: []string{store.KindSendMessages}, Inbox: inbox}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	rt.Wake()

	select {
	case <-inbox:
	case <-time.After(3 * time.Second):
		t.Fatal("expected assignment")
	}

	rt.ResultChan() <- dispatch.ResultEnvelope{OK: true, TaskID: taskID}

	time.Sleep(200 * time.Millisecond)
	job, err := st.GetJob(ctx, mustJobIDFromTask(taskID))
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.FinishedTasks != 1 {
		t.Fatalf("expected finished_tasks=1, got %+v", job)
	}
}

func TestRouter_CancelledJobDiscardsLateResult(t *testing.T) {
	st := newTestStore(t)
	jobID, taskID := seedJobWithTask(t, st, store.KindSendMessages, "bob", 0)

	rt := New(Config{MaxInflightPerAccount: 1}, st, zerolog.Nop(), 4, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	inbox := make(chan worker.Envelope, 1)
	if err := rt.RegisterWorker(&WorkerHandle{WorkerID: "w1", Account: "acct-1", SupportedKinds: []string{store.KindSendMessages}, Inbox: inbox}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	rt.Wake()
	<-inbox

	if err := st.CancelJob(ctx, jobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	rt.CancelJob(jobID)
	time.Sleep(100 * time.Millisecond)

	rt.ResultChan() <- dispatch.ResultEnvelope{OK: true, TaskID: taskID}
	time.Sleep(200 * time.Millisecond)

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.JobCancelled {
		t.Fatalf("expected job to remain cancelled, got %q", job.Status)
	}
}

func TestRouter_KindOverridesRaiseCapAndShortenTTL(t *testing.T) {
	st := newTestStore(t)
	seedJobWithTask(t, st, store.KindLoginCheck, "bob", 0)
	seedJobWithTask(t, st, store.KindLoginCheck, "carol", 0)

	rt := New(Config{
		MaxInflightPerAccount: 1,
		LeaseTTL:              300 * time.Second,
		KindInflightOverride:  map[string]int{store.KindLoginCheck: 2},
		LeaseTTLOverride:      map[string]time.Duration{store.KindLoginCheck: 5 * time.Second},
	}, st, zerolog.Nop(), 4, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	inbox := make(chan worker.Envelope, 4)
	if err := rt.RegisterWorker(&WorkerHandle{WorkerID: "w1", Account: "acct-1", SupportedKinds: []string{store.KindLoginCheck}, Inbox: inbox}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	rt.Wake()

	var got []worker.Envelope
	for i := 0; i < 2; i++ {
		select {
		case env := <-inbox:
			got = append(got, env)
		case <-time.After(3 * time.Second):
			t.Fatalf("expected %d assignments under the raised cap, got %d", 2, len(got))
		}
	}

	for _, env := range got {
		if env.Task.LeaseExpiresAt.Sub(time.Now()) > 10*time.Second {
			t.Fatalf("expected the login_check TTL override (5s) to apply, lease expires at %v", env.Task.LeaseExpiresAt)
		}
	}
}

// mustJobIDFromTask extracts the job id prefix from a {job_id}:{kind}:{target}
// task id, used only to re-fetch the job in the assertion above.
func mustJobIDFromTask(taskID string) string {
	for i := 0; i < len(taskID); i++ {
		if taskID[i] == ':' {
			return taskID[:i]
		}
	}
	return taskID
}
