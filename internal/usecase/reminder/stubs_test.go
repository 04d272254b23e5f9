package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/retry"
)

type memReminders struct {
	mu       sync.Mutex
	nextID   int64
	items    map[int64]domain.Reminder
	markWins int
	err      error
}

func newMemReminders() *memReminders {
	return &memReminders{items: make(map[int64]domain.Reminder)}
}

func (m *memReminders) CreateReminder(_ context.Context, r domain.Reminder) (domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Reminder{}, m.err
	}
	m.nextID++
	r.ID = m.nextID
	r.Status = domain.ReminderPending
	m.items[r.ID] = r
	return r, nil
}

func (m *memReminders) GetReminder(_ context.Context, id int64) (domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return domain.Reminder{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memReminders) MarkReminderSent(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok || r.Status != domain.ReminderPending {
		return false, nil
	}
	r.Status = domain.ReminderSent
	r.SentAt = &at
	m.items[id] = r
	m.markWins++
	return true, nil
}

func (m *memReminders) RecordReminderFailure(_ context.Context, id int64, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok || r.Status != domain.ReminderPending {
		return nil
	}
	r.Attempts++
	r.NextAttemptAt = &next
	m.items[id] = r
	return nil
}

func (m *memReminders) ListDueReminders(_ context.Context, q domain.DueRemindersQuery) ([]domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.Reminder
	for _, r := range m.items {
		if r.Status != domain.ReminderPending || r.When.After(q.Now) {
			continue
		}
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(q.Now) {
			continue
		}
		if q.MaxAttempts > 0 && r.Attempts >= q.MaxAttempts {
			continue
		}
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].When.Equal(res[j].When) {
			return res[i].ID < res[j].ID
		}
		return res[i].When.Before(res[j].When)
	})
	if len(res) > q.Limit {
		res = res[:q.Limit]
	}
	return res, nil
}

func (m *memReminders) wins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markWins
}

func (m *memReminders) pending() []domain.Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.Reminder
	for _, r := range m.items {
		if r.Status == domain.ReminderPending {
			res = append(res, r)
		}
	}
	return res
}

type stubUsers struct{}

func (stubUsers) GetOrCreateByPhone(_ context.Context, phone, _ string) (domain.ChannelUser, bool, error) {
	return domain.ChannelUser{ID: 1, Phone: phone}, false, nil
}

func (stubUsers) GetUserByID(_ context.Context, id int64) (domain.ChannelUser, error) {
	if id == 1 {
		return domain.ChannelUser{ID: id, Phone: "5511999990000"}, nil
	}
	return domain.ChannelUser{ID: id, Phone: fmt.Sprintf("55110000%04d", id)}, nil
}

type stubMessages struct {
	mu      sync.Mutex
	entries []domain.MessageLogEntry
}

func (s *stubMessages) AppendMessage(_ context.Context, e domain.MessageLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return true, nil
}

type stubChannel struct {
	mu       sync.Mutex
	failures int
	blocked  map[string]bool
	attempts int
	sent     []string
	to       []string
}

func (c *stubChannel) SendText(_ context.Context, address, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.blocked[address] {
		return &domain.ProviderError{Provider: "stub", Operation: "send", StatusCode: 403}
	}
	if c.failures > 0 {
		c.failures--
		return &domain.ProviderError{Provider: "stub", Operation: "send", StatusCode: 503}
	}
	c.sent = append(c.sent, text)
	c.to = append(c.to, address)
	return nil
}

func (c *stubChannel) GetMedia(context.Context, string) (domain.Media, error) {
	return domain.Media{}, nil
}

func (c *stubChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type stubJobs struct {
	mu   sync.Mutex
	jobs []domain.DelayedJob
	runs []time.Time
	err  error
}

func (s *stubJobs) Enqueue(_ context.Context, job domain.DelayedJob, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	s.runs = append(s.runs, runAt)
	return nil
}

func (s *stubJobs) Receive(ctx context.Context) (domain.DelayedJob, domain.JobAckFunc, error) {
	<-ctx.Done()
	return domain.DelayedJob{}, nil, ctx.Err()
}

var errBoom = errors.New("boom")

type fixture struct {
	reminders *memReminders
	messages  *stubMessages
	channel   *stubChannel
	jobs      *stubJobs
	scheduler *Scheduler
	deliverer *Deliverer
}

func newFixture(now time.Time) *fixture {
	f := &fixture{
		reminders: newMemReminders(),
		messages:  &stubMessages{},
		channel:   &stubChannel{},
		jobs:      &stubJobs{},
	}
	f.scheduler = NewScheduler(f.reminders, f.jobs, nil, zerolog.Nop(), time.UTC)
	f.scheduler.now = func() time.Time { return now }
	exec := retry.New(retry.Policy{MaxAttempts: 1, Timeout: time.Second}, zerolog.Nop())
	f.deliverer = NewDeliverer(DelivererDeps{
		Reminders: f.reminders,
		Users:     stubUsers{},
		Messages:  f.messages,
		Channel:   f.channel,
		Executor:  exec,
		Scheduler: f.scheduler,
	}, zerolog.Nop())
	f.deliverer.now = func() time.Time { return now }
	return f
}
