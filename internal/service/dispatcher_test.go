package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

func defaultConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxRetries:     3,
		BackoffInitial: time.Minute,
		BackoffMax:     10 * time.Minute,
		QuotaMaxWait:   time.Hour,
		ContentMax:     1000,
		Fanout:         4,
		BatchSize:      10,
		ClaimLease:     5 * time.Minute,
	}
}

func (f *fixture) pending(t *testing.T, contactID int64, recipient string) model.Message {
	t.Helper()
	m := model.Message{
		TenantID:  1,
		ContactID: contactID,
		Recipient: recipient,
		Kind:      model.KindText,
		Payload:   model.Payload{Text: "hello"},
		State:     model.Pending,
		Source:    model.SourceAPI,
	}
	require.NoError(t, f.store.Create(context.Background(), &m))
	return m
}

func TestDispatch_Success(t *testing.T) {
	f := newFixture(5, defaultConfig())
	m := f.pending(t, 10, "+447911123456")

	out := f.dispatcher.Dispatch(context.Background(), m)
	require.Equal(t, OutcomeSent, out)

	got, err := f.store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Sent, got.State)
	require.NotNil(t, got.ProviderMessageID)
	assert.Equal(t, "pm-1", *got.ProviderMessageID)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(f.now))
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, f.used())
}

func TestDispatch_TransientThenSuccess(t *testing.T) {
	f := newFixture(5, defaultConfig())
	f.adapter.errs = []error{errs.Transient("fake", "503", "unavailable", nil)}
	m := f.pending(t, 10, "+447911123456")

	require.Equal(t, OutcomeRetrying, f.dispatcher.Dispatch(context.Background(), m))

	got, err := f.store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Pending, got.State)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ScheduledFor)
	assert.True(t, got.ScheduledFor.Equal(f.now.Add(time.Minute)))
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "unavailable")
	assert.Equal(t, 0, f.used(), "failed attempts must not consume quota")

	require.Equal(t, OutcomeSent, f.dispatcher.Dispatch(context.Background(), got))

	got, err = f.store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Sent, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 1, f.used())
}

func TestDispatch_PermanentFailure(t *testing.T) {
	f := newFixture(5, defaultConfig())
	f.adapter.errs = []error{errs.Permanent("fake", "131026", "recipient not on whatsapp", nil)}
	m := f.pending(t, 10, "+447911123456")

	require.Equal(t, OutcomeFailed, f.dispatcher.Dispatch(context.Background(), m))

	got, _ := f.store.Get(context.Background(), m.ID)
	assert.Equal(t, model.Failed, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.SentAt)
	assert.Equal(t, 0, f.used())
}

func TestDispatch_RetriesExhausted(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxRetries = 2
	f := newFixture(5, cfg)
	transient := errs.Transient("fake", "429", "slow down", nil)
	f.adapter.errs = []error{transient, transient}
	m := f.pending(t, 10, "+447911123456")

	require.Equal(t, OutcomeRetrying, f.dispatcher.Dispatch(context.Background(), m))
	m, _ = f.store.Get(context.Background(), m.ID)
	require.Equal(t, OutcomeFailed, f.dispatcher.Dispatch(context.Background(), m))

	got, _ := f.store.Get(context.Background(), m.ID)
	assert.Equal(t, model.Failed, got.State)
	assert.Equal(t, 2, got.RetryCount)
}

func TestDispatch_ChannelNotConfigured(t *testing.T) {
	f := newFixture(5, defaultConfig())
	f.dispatcher.channels = fakeResolver{err: errs.ErrChannelNotConfigured}
	m := f.pending(t, 10, "+447911123456")

	require.Equal(t, OutcomeFailed, f.dispatcher.Dispatch(context.Background(), m))

	got, _ := f.store.Get(context.Background(), m.ID)
	assert.Equal(t, model.Failed, got.State)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "channel not configured", *got.LastError)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 0, f.adapter.callCount())
}

func TestDispatch_ResolveErrorDefers(t *testing.T) {
	f := newFixture(5, defaultConfig())
	f.dispatcher.channels = fakeResolver{err: errors.New("db down")}
	m := f.pending(t, 10, "+447911123456")

	assert.Equal(t, OutcomeDeferred, f.dispatcher.Dispatch(context.Background(), m))
	got, _ := f.store.Get(context.Background(), m.ID)
	assert.Equal(t, model.Pending, got.State)
}

func TestDispatch_QuotaDeferThenFail(t *testing.T) {
	f := newFixture(0, defaultConfig())
	m := f.pending(t, 10, "+447911123456")

	require.Equal(t, OutcomeDeferred, f.dispatcher.Dispatch(context.Background(), m))
	got, _ := f.store.Get(context.Background(), m.ID)
	assert.Equal(t, model.Pending, got.State)

	f.dispatcher.now = func() time.Time { return f.now.Add(2 * time.Hour) }
	require.Equal(t, OutcomeFailed, f.dispatcher.Dispatch(context.Background(), got))

	got, _ = f.store.Get(context.Background(), m.ID)
	assert.Equal(t, model.Failed, got.State)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "quota exhausted", *got.LastError)
	assert.Equal(t, 0, f.adapter.callCount())
}

func TestDispatch_ContentTooLong(t *testing.T) {
	cfg := defaultConfig()
	cfg.ContentMax = 5
	f := newFixture(5, cfg)
	m := f.pending(t, 10, "+447911123456")
	m.Payload.Text = strings.Repeat("é", 6)

	require.Equal(t, OutcomeFailed, f.dispatcher.Dispatch(context.Background(), m))
	assert.Equal(t, 0, f.adapter.callCount())
}

func TestDispatch_CancelledMeanwhileIsConflict(t *testing.T) {
	f := newFixture(5, defaultConfig())
	m := f.pending(t, 10, "+447911123456")

	won, err := f.store.Transition(context.Background(), m.ID, model.Pending, model.Cancelled, model.TransitionFields{})
	require.NoError(t, err)
	require.True(t, won)

	// m is the stale snapshot a sweep claimed before the cancel landed.
	assert.Equal(t, OutcomeConflict, f.dispatcher.Dispatch(context.Background(), m))

	got, _ := f.store.Get(context.Background(), m.ID)
	assert.Equal(t, model.Cancelled, got.State)
	assert.Equal(t, 0, f.used())
}

func TestSweep_ClaimsDueOnly(t *testing.T) {
	f := newFixture(10, defaultConfig())
	ctx := context.Background()

	due := f.pending(t, 10, "+447911123456")
	later := f.now.Add(time.Hour)
	future := model.Message{
		TenantID: 1, ContactID: 11, Recipient: "+14155552671",
		Kind: model.KindText, Payload: model.Payload{Text: "later"},
		State: model.Pending, Source: model.SourceAPI, ScheduledFor: &later,
	}
	require.NoError(t, f.store.Create(ctx, &future))

	f.dispatcher.Sweep(ctx)

	got, _ := f.store.Get(ctx, due.ID)
	assert.Equal(t, model.Sent, got.State)
	got, _ = f.store.Get(ctx, future.ID)
	assert.Equal(t, model.Pending, got.State)
	assert.Equal(t, 1, f.adapter.callCount())
}

func TestProcessBatch_SummaryAcrossTenants(t *testing.T) {
	f := newFixture(10, defaultConfig())
	ctx := context.Background()

	var batch []model.Message
	for i := 0; i < 3; i++ {
		batch = append(batch, f.pending(t, 10, "+447911123456"))
	}
	other := model.Message{
		TenantID: 2, Recipient: "+14155552671", Kind: model.KindText,
		Payload: model.Payload{Text: "x"}, State: model.Pending, Source: model.SourceAPI,
	}
	require.NoError(t, f.store.Create(ctx, &other))
	batch = append(batch, other)

	s := f.dispatcher.ProcessBatch(ctx, batch)

	assert.Equal(t, 3, s.Sent)
	// tenant 2 has no quota row and is still inside the wait window.
	assert.Equal(t, 1, s.Deferred)
}

func TestBackoff(t *testing.T) {
	f := newFixture(1, defaultConfig())

	assert.Equal(t, time.Minute, f.dispatcher.backoff(1))
	assert.Equal(t, 2*time.Minute, f.dispatcher.backoff(2))
	assert.Equal(t, 4*time.Minute, f.dispatcher.backoff(3))
}

type lostWrites struct {
	repo.MessageRepository
	fail bool
}

func (l *lostWrites) Transition(ctx context.Context, id int64, expected, next model.State, f model.TransitionFields) (bool, error) {
	if l.fail {
		return false, errors.New("connection reset")
	}
	return l.MessageRepository.Transition(ctx, id, expected, next, f)
}

func newJournal(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
}

func TestDispatch_JournaledSendIsRecordedNotResent(t *testing.T) {
	f := newFixture(5, defaultConfig())
	ctx := context.Background()
	journal := newJournal(t)
	f.dispatcher.index = journal

	m := f.pending(t, 10, "+447911123456")
	acceptedAt := f.now.Add(-time.Minute)
	require.NoError(t, journal.StoreSent(ctx, m.ID, "pm-earlier", acceptedAt))

	require.Equal(t, OutcomeSent, f.dispatcher.Dispatch(ctx, m))
	assert.Equal(t, 0, f.adapter.callCount())

	got, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Sent, got.State)
	require.NotNil(t, got.ProviderMessageID)
	assert.Equal(t, "pm-earlier", *got.ProviderMessageID)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(acceptedAt))
	assert.Equal(t, 1, f.used())
}

func TestDispatch_LostSentWriteIsNotResent(t *testing.T) {
	f := newFixture(5, defaultConfig())
	ctx := context.Background()
	f.dispatcher.index = newJournal(t)
	lost := &lostWrites{MessageRepository: f.store, fail: true}
	f.dispatcher.messages = lost

	m := f.pending(t, 10, "+447911123456")

	assert.Equal(t, OutcomeConflict, f.dispatcher.Dispatch(ctx, m))
	require.Equal(t, 1, f.adapter.callCount())

	lost.fail = false
	require.Equal(t, OutcomeSent, f.dispatcher.Dispatch(ctx, m))
	assert.Equal(t, 1, f.adapter.callCount())

	got, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Sent, got.State)
	assert.Equal(t, "pm-1", *got.ProviderMessageID)
}
