package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/phone"
)

// MemoryStore keeps every table in process. It satisfies all repository
// interfaces and is used for local runs and tests.
type MemoryStore struct {
	mu sync.Mutex

	nextID       int64
	messages     map[int64]*model.Message
	claimedUntil map[int64]time.Time
	lastPolled   map[int64]time.Time
	byDedupe     map[string]int64
	byProvider   map[string]int64

	channels     map[int64]model.ChannelConfig
	contacts     map[int64]model.Contact
	appointments []model.Appointment
	bills        []model.Bill

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:     make(map[int64]*model.Message),
		claimedUntil: make(map[int64]time.Time),
		lastPolled:   make(map[int64]time.Time),
		byDedupe:     make(map[string]int64),
		byProvider:   make(map[string]int64),
		channels:     make(map[int64]model.ChannelConfig),
		contacts:     make(map[int64]model.Contact),
		now:          time.Now,
	}
}

// SetClock replaces the clock used for created/updated timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) PutChannelConfig(c model.ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c.TenantID] = c
}

func (s *MemoryStore) PutContact(c model.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

func (s *MemoryStore) PutAppointment(a model.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments = append(s.appointments, a)
}

func (s *MemoryStore) PutBill(b model.Bill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bills = append(s.bills, b)
}

// All returns a snapshot of every stored message ordered by id.
func (s *MemoryStore) All() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Create(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.DedupeKey != nil {
		if _, ok := s.byDedupe[*m.DedupeKey]; ok {
			return errs.ErrDuplicate
		}
	}
	if m.ProviderMessageID != nil {
		if _, ok := s.byProvider[*m.ProviderMessageID]; ok {
			return errs.ErrDuplicate
		}
	}

	s.nextID++
	now := s.now().UTC()
	m.ID = s.nextID
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.State == "" {
		m.State = model.Pending
	}

	cp := *m
	s.messages[m.ID] = &cp
	if m.DedupeKey != nil {
		s.byDedupe[*m.DedupeKey] = m.ID
	}
	if m.ProviderMessageID != nil {
		s.byProvider[*m.ProviderMessageID] = m.ID
	}
	if m.ClaimedUntil != nil {
		s.claimedUntil[m.ID] = *m.ClaimedUntil
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, errs.ErrNotFound
	}
	return *m, nil
}

func (s *MemoryStore) FindByProviderMessageID(_ context.Context, providerMessageID string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byProvider[providerMessageID]
	if !ok {
		return model.Message{}, errs.ErrNotFound
	}
	return *s.messages[id], nil
}

func (s *MemoryStore) Transition(_ context.Context, id int64, expected, next model.State, f model.TransitionFields) (bool, error) {
	if !model.CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, expected, next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.State != expected {
		return false, nil
	}

	if f.ProviderMessageID != nil && m.ProviderMessageID == nil {
		if _, taken := s.byProvider[*f.ProviderMessageID]; taken {
			return false, errs.ErrDuplicate
		}
		v := *f.ProviderMessageID
		m.ProviderMessageID = &v
		s.byProvider[v] = id
	}
	if f.SentAt != nil && m.SentAt == nil {
		v := *f.SentAt
		m.SentAt = &v
	}
	if f.DeliveredAt != nil && m.DeliveredAt == nil {
		v := *f.DeliveredAt
		m.DeliveredAt = &v
	}
	if f.ReadAt != nil && m.ReadAt == nil {
		v := *f.ReadAt
		m.ReadAt = &v
	}
	if f.LastError != nil {
		v := *f.LastError
		m.LastError = &v
	}
	if f.IncrementRetry {
		m.RetryCount++
	}
	if f.ScheduledFor != nil {
		v := *f.ScheduledFor
		m.ScheduledFor = &v
	}

	m.State = next
	m.Version++
	m.UpdatedAt = s.now().UTC()
	delete(s.claimedUntil, id)
	return true, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.Message
	for _, m := range s.messages {
		if m.State != model.Pending || m.Kind == model.KindIncoming {
			continue
		}
		if m.DueAt().After(now) {
			continue
		}
		if until, ok := s.claimedUntil[m.ID]; ok && !until.Before(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool {
		if a, b := due[i].DueAt(), due[j].DueAt(); !a.Equal(b) {
			return a.Before(b)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]model.Message, 0, len(due))
	for _, m := range due {
		s.claimedUntil[m.ID] = now.Add(lease)
		out = append(out, *m)
	}
	return out, nil
}

func (s *MemoryStore) ClaimAwaitingReceipt(_ context.Context, now, sentBefore, sentAfter time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Message
	for _, m := range s.messages {
		if m.State != model.Sent && m.State != model.Delivered {
			continue
		}
		if m.ProviderMessageID == nil || m.SentAt == nil {
			continue
		}
		if m.SentAt.After(sentBefore) || !m.SentAt.After(sentAfter) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, iok := s.lastPolled[out[i].ID]
		pj, jok := s.lastPolled[out[j].ID]
		if iok != jok {
			return !iok
		}
		if !pi.Equal(pj) {
			return pi.Before(pj)
		}
		if !out[i].SentAt.Equal(*out[j].SentAt) {
			return out[i].SentAt.Before(*out[j].SentAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for _, m := range out {
		s.lastPolled[m.ID] = now
	}
	return out, nil
}

func (s *MemoryStore) ListSent(_ context.Context, tenantID int64, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.filter(limit, offset, func(m *model.Message) bool {
		return m.TenantID == tenantID && m.State.Rank() > 0
	}), nil
}

func (s *MemoryStore) CountByState(_ context.Context, tenantID int64, from, to *time.Time) (map[model.State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[model.State]int)
	for _, m := range s.messages {
		if m.TenantID != tenantID || m.Kind == model.KindIncoming {
			continue
		}
		if from != nil && m.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && m.CreatedAt.After(*to) {
			continue
		}
		out[m.State]++
	}
	return out, nil
}

func (s *MemoryStore) filter(limit, offset int, keep func(*model.Message) bool) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Message
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) GetChannelConfig(_ context.Context, tenantID int64) (model.ChannelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[tenantID]
	if !ok {
		return model.ChannelConfig{}, errs.ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) FindByAccount(_ context.Context, provider model.Provider, accountID string) (model.ChannelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.channels {
		if c.Provider == provider && c.AccountID == accountID {
			return c, nil
		}
	}
	return model.ChannelConfig{}, errs.ErrNotFound
}

func (s *MemoryStore) GetContact(_ context.Context, tenantID, contactID int64) (model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return model.Contact{}, errs.ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) FindContactByPhone(_ context.Context, tenantID int64, e164 string) (model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := phone.DigitForms(e164)
	// Exact spelling wins, then the lowest id.
	better := func(c, cur model.Contact) bool {
		if exact, best := c.Phone == e164, cur.Phone == e164; exact != best {
			return exact
		}
		return c.ID < cur.ID
	}

	var found *model.Contact
	for _, c := range s.contacts {
		if c.TenantID != tenantID || !f.Match(c.Phone) {
			continue
		}
		if found == nil || better(c, *found) {
			cp := c
			found = &cp
		}
	}
	if found == nil {
		return model.Contact{}, errs.ErrNotFound
	}
	return *found, nil
}

func (s *MemoryStore) TouchLastContact(_ context.Context, tenantID, contactID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return nil
	}
	t := at
	c.LastContact = &t
	s.contacts[contactID] = c
	return nil
}

func (s *MemoryStore) AppointmentsBetween(_ context.Context, from, to time.Time) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Appointment
	for _, a := range s.appointments {
		if a.StartsAt.Before(from) || !a.StartsAt.Before(to) {
			continue
		}
		if a.Status != "scheduled" && a.Status != "confirmed" {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) BillsDueBetween(_ context.Context, from, to time.Time) ([]model.Bill, error) {
	return s.matchBills(func(b model.Bill) bool {
		return !b.DueDate.Before(from) && !b.DueDate.After(to) && (b.Status == "sent" || b.Status == "viewed")
	}), nil
}

func (s *MemoryStore) OverdueBills(_ context.Context, asOf time.Time) ([]model.Bill, error) {
	return s.matchBills(func(b model.Bill) bool {
		return b.DueDate.Before(asOf) && (b.Status == "sent" || b.Status == "viewed" || b.Status == "overdue")
	}), nil
}

func (s *MemoryStore) matchBills(keep func(model.Bill) bool) []model.Bill {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Bill
	for _, b := range s.bills {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out
}
