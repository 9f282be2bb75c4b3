package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/channel"
	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/quota"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

type fakeAdapter struct {
	mu    sync.Mutex
	calls []string
	// errs are returned in order, one per call; nil entries succeed.
	errs []error
	ids  int
	// onSend runs before each send returns.
	onSend func()
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Send(_ context.Context, recipient string, _ model.Kind, _ model.Payload) (string, error) {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.calls)
	f.calls = append(f.calls, recipient)
	if n < len(f.errs) && f.errs[n] != nil {
		return "", f.errs[n]
	}
	f.ids++
	return fmt.Sprintf("pm-%d", f.ids), nil
}

func (f *fakeAdapter) FetchStatus(context.Context, string) (model.State, error) {
	return "", errs.ErrStatusUnsupported
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeResolver struct {
	adapter channel.Adapter
	err     error
}

func (r fakeResolver) Resolve(context.Context, int64) (channel.Adapter, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.adapter, nil
}

type fixture struct {
	store      *repo.MemoryStore
	tracker    *quota.MemoryTracker
	adapter    *fakeAdapter
	dispatcher *Dispatcher
	queue      *Queue
	now        time.Time
}

func newFixture(allotted int, cfg DispatcherConfig) *fixture {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := repo.NewMemoryStore()
	store.SetClock(func() time.Time { return now })

	tracker := quota.NewMemoryTracker(30 * 24 * time.Hour)
	tracker.Set(model.QuotaState{TenantID: 1, Allotted: allotted})

	store.PutContact(model.Contact{ID: 10, TenantID: 1, Name: "Ann", Phone: "+447911123456"})
	store.PutContact(model.Contact{ID: 11, TenantID: 1, Name: "Bob", Phone: "+14155552671"})
	store.PutContact(model.Contact{ID: 12, TenantID: 1, Name: "Cy", Phone: "447911123457"})

	adapter := &fakeAdapter{}
	resolver := fakeResolver{adapter: adapter}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	d := NewDispatcher(resolver, tracker, store, nil, cfg, logger)
	d.now = func() time.Time { return now }
	q := NewQueue(store, store, resolver, tracker, d, "GB", 1000, logger)
	q.now = func() time.Time { return now }

	return &fixture{store: store, tracker: tracker, adapter: adapter, dispatcher: d, queue: q, now: now}
}

func (f *fixture) used() int {
	q, _ := f.tracker.Get(context.Background(), 1)
	return q.Used
}
