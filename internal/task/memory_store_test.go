package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"O-Sovereign/internal/pipeline"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	tasks := []*Task{
		{ID: "t1", Input: "规划一次旅行", Status: StatusPending, MaxRetries: 3},
		{ID: "t2", Input: "写一封邮件", Status: StatusPending, MaxRetries: 3},
		{ID: "t3", Input: "整理旅行预算", Status: StatusPending, MaxRetries: 3},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", &pipeline.Result{Success: true, FinalOutput: "预算表"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" || all[2].ID != "t1" {
		t.Fatalf("unexpected default order: %+v", ids(all))
	}

	asc, _ := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc)}))
	if asc[0].ID != "t1" {
		t.Fatalf("expected ascending order, got %v", ids(asc))
	}

	failed, _ := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if len(failed) != 1 || failed[0].ID != "t2" || failed[0].ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	recent, _ := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(base.Add(45 * time.Second))}))
	if len(recent) != 1 || recent[0].ID != "t3" {
		t.Fatalf("unexpected updated-since list: %v", ids(recent))
	}

	early, _ := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(base.Add(15 * time.Second)), WithUpdatedUntil(base.Add(45 * time.Second))}))
	if len(early) != 1 || early[0].ID != "t2" {
		t.Fatalf("unexpected updated window: %v", ids(early))
	}

	withResult, _ := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if len(withResult) != 1 || withResult[0].Result.FinalOutput != "预算表" {
		t.Fatalf("unexpected result filter: %v", ids(withResult))
	}

	query, _ := store.List(ctx, buildListOptions([]ListOption{WithQuery("旅行")}))
	if len(query) != 2 {
		t.Fatalf("expected two matches for query, got %v", ids(query))
	}

	paged, _ := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if len(paged) != 1 || paged[0].ID != "t2" {
		t.Fatalf("unexpected page: %v", ids(paged))
	}

	beyond, _ := store.List(ctx, buildListOptions([]ListOption{WithOffset(10)}))
	if len(beyond) != 0 {
		t.Fatalf("expected empty page, got %v", ids(beyond))
	}

	stats, err := store.Stats(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() || stats.NewestUpdatedAt != base.Add(60*time.Second).Unix() {
		t.Fatalf("unexpected stats range: %+v", stats)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "a", Input: "x", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "a", Input: "x"}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "a"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict for running task, got %v", err)
	}

	_ = store.MarkFailed(ctx, "a", CodeTaskProcessing, "boom", nil)
	if _, err := store.Claim(ctx, "a"); err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	_ = store.MarkFailed(ctx, "a", CodeTaskProcessing, "boom", nil)
	if _, err := store.Claim(ctx, "a"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if !IsTaskError(ErrTaskExhausted, CodeTaskExhausted) {
		t.Fatalf("IsTaskError mismatch")
	}

	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Task{ID: "c", Input: "x", MaxRetries: 1})
	_ = store.MarkSucceeded(ctx, "c", &pipeline.Result{FinalOutput: "ok"})

	got, _ := store.Get(ctx, "c")
	got.Result.FinalOutput = "mutated"
	got.Status = StatusFailed

	again, _ := store.Get(ctx, "c")
	if again.Result.FinalOutput != "ok" || again.Status != StatusSucceeded {
		t.Fatalf("store leaked internal state: %+v", again)
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}
