package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vipul43/finsync-worker/internal/models"
	"github.com/vipul43/finsync-worker/internal/tasks"
)

type mockLister struct {
	listAllFunc func(ctx context.Context) ([]models.Credential, error)
}

func (m *mockLister) ListAll(ctx context.Context) ([]models.Credential, error) {
	return m.listAllFunc(ctx)
}

type flakyDispatcher struct {
	failFor int64
	*tasks.MemoryQueue
}

func (d *flakyDispatcher) Dispatch(ctx context.Context, name string, args tasks.Args) error {
	if args.CompanyID == d.failFor {
		return errors.New("redis unavailable")
	}
	return d.MemoryQueue.Dispatch(ctx, name, args)
}

func twoCompanies(ctx context.Context) ([]models.Credential, error) {
	return []models.Credential{
		{CompanyID: 1, Environment: "sandbox"},
		{CompanyID: 2, Environment: "production"},
	}, nil
}

func TestEnqueueAll(t *testing.T) {
	queue := tasks.NewMemoryQueue(10)
	w := New(&mockLister{listAllFunc: twoCompanies}, queue, time.Minute)

	n, err := w.EnqueueAll(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 queued, got %d", n)
	}

	got := queue.Dispatched()
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	if got[0].Name != tasks.FullSync || got[0].Args.CompanyID != 1 || got[0].Args.Environment != "sandbox" {
		t.Errorf("unexpected first task %+v", got[0])
	}
	if got[1].Args.CompanyID != 2 || got[1].Args.Environment != "production" {
		t.Errorf("unexpected second task %+v", got[1])
	}
}

func TestEnqueueAll_DispatchFailureContinues(t *testing.T) {
	d := &flakyDispatcher{failFor: 1, MemoryQueue: tasks.NewMemoryQueue(10)}
	w := New(&mockLister{listAllFunc: twoCompanies}, d, time.Minute)

	n, err := w.EnqueueAll(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 queued, got %d", n)
	}
}

func TestEnqueueAll_ListError(t *testing.T) {
	w := New(&mockLister{listAllFunc: func(ctx context.Context) ([]models.Credential, error) {
		return nil, errors.New("db down")
	}}, tasks.NewMemoryQueue(1), time.Minute)

	if _, err := w.EnqueueAll(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestStart_EnqueuesOnStartupAndTick(t *testing.T) {
	queue := tasks.NewMemoryQueue(100)
	w := New(&mockLister{listAllFunc: twoCompanies}, queue, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	err := w.Start(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if got := len(queue.Dispatched()); got < 4 {
		t.Errorf("expected startup and at least one tick, got %d tasks", got)
	}
}
