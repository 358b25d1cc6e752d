package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"taskforge/internal/database"
	"taskforge/internal/store"
)

func TestReaper_ReclaimsExpiredLeaseOnTick(t *testing.T) {
	ctx := context.Background()
	db, err := database.InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	defer db.Close()
	st := store.New(db, zerolog.Nop())
	if err := st.CreateClient(ctx, store.Client{ID: "c1", Name: "c1", Email: "c1@example.com", APIKeyHash: "x"}); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	jobID := store.NewJobID()
	if err := st.CreateJob(ctx, store.Job{ID: jobID, ClientID: "c1", Kind: store.KindLoginCheck}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	taskID := store.TaskID(jobID, store.KindLoginCheck, "")
	err = st.CreateTasks(ctx, []store.NewTask{{
		ID: taskID, JobID: jobID, Kind: store.KindLoginCheck, LeaseTTL: 200 * time.Millisecond,
	}})
	if err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}

	if _, ok, err := st.ClaimNext(ctx, []string{store.KindLoginCheck}, "w1", 200*time.Millisecond); err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}

	time.Sleep(300 * time.Millisecond)

	r := New(Config{Interval: 50 * time.Millisecond, MaxPerRun: 10}, st, zerolog.Nop())
	rctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	go r.Run(rctx)

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		task, ok, err := st.ClaimNext(ctx, []string{store.KindLoginCheck}, "w2", time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if ok {
			if task.Attempts != 2 {
				t.Fatalf("expected attempts=2 after reap+reclaim, got %d", task.Attempts)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("reaper never reclaimed the expired lease")
}
