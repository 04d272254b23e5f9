package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/background"
	"finance-bot/internal/infra/cache"
	httpx "finance-bot/internal/infra/http"
	"finance-bot/internal/usecase/command"
)

type testPayload struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	Text   string `json:"text"`
	Kind   string `json:"kind"`
	Media  string `json:"media"`
	Status bool   `json:"status"`
}

type stubParser struct{}

func (stubParser) Name() string { return "stub" }

func (stubParser) ParseInbound(raw []byte) (domain.InboundEvent, error) {
	var p testPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.InboundEvent{}, err
	}
	if p.Status {
		return domain.InboundEvent{}, domain.ErrNoMessage
	}
	kind := domain.KindText
	if p.Kind != "" {
		kind = domain.MessageKind(p.Kind)
	}
	return domain.InboundEvent{ProviderMessageID: p.ID, SenderAddress: p.From, Kind: kind, Text: p.Text, MediaRef: p.Media}, nil
}

type stubUsers struct{}

func (stubUsers) GetOrCreateByPhone(_ context.Context, phone, _ string) (domain.ChannelUser, bool, error) {
	return domain.ChannelUser{ID: 42, Phone: phone}, false, nil
}

func (stubUsers) GetUserByID(_ context.Context, id int64) (domain.ChannelUser, error) {
	return domain.ChannelUser{ID: id}, nil
}

type memLog struct {
	mu      sync.Mutex
	seen    map[string]bool
	entries []domain.MessageLogEntry
}

func (m *memLog) AppendMessage(_ context.Context, e domain.MessageLogEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ProviderMessageID != "" {
		if m.seen[e.ProviderMessageID] {
			return false, nil
		}
		m.seen[e.ProviderMessageID] = true
	}
	m.entries = append(m.entries, e)
	return true, nil
}

func (m *memLog) count(dir domain.Direction) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Direction == dir {
			n++
		}
	}
	return n
}

type stubRouter struct {
	calls atomic.Int32
	err   error
}

func (r *stubRouter) Dispatch(_ context.Context, _ domain.ChannelUser, intent domain.Intent, _ string) (string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return "", r.err
	}
	return "ok " + string(intent.Kind), nil
}

type stubChannel struct {
	mu     sync.Mutex
	sent   []string
	fetchs []string
}

func (c *stubChannel) SendText(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *stubChannel) GetMedia(_ context.Context, ref string) (domain.Media, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchs = append(c.fetchs, ref)
	return domain.Media{Data: []byte("img"), Mime: "image/jpeg"}, nil
}

type env struct {
	svc     *Service
	log     *memLog
	router  *stubRouter
	channel *stubChannel
	runner  *background.Runner
}

func newEnv(verifier Verifier, limit int) *env {
	e := &env{
		log:     &memLog{seen: map[string]bool{}},
		router:  &stubRouter{},
		channel: &stubChannel{},
		runner:  background.NewRunner(zerolog.Nop(), time.Second),
	}
	e.svc = NewService(Deps{
		Verifier: verifier,
		Parser:   stubParser{},
		Limiter:  cache.NewMemoryRateLimiter(limit, time.Minute),
		Users:    stubUsers{},
		Messages: e.log,
		Router:   e.router,
		Channel:  e.channel,
		Runner:   e.runner,
	}, zerolog.Nop())
	return e
}

func body(t *testing.T, p testPayload) []byte {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestHandleProcessesAndReplies(t *testing.T) {
	e := newEnv(Verifier{}, 100)
	res, err := e.svc.Handle(context.Background(), Request{Body: body(t, testPayload{ID: "m1", From: "+55 11 99999-0000", Text: "gastei 10"})})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	e.runner.Wait()
	if res.Outcome != OutcomeProcessed || res.Reply != "ok LOG_EXPENSE" || res.UserID != 42 {
		t.Fatalf("неверный результат: %+v", res)
	}
	if len(e.channel.sent) != 1 || e.channel.sent[0] != res.Reply {
		t.Fatalf("ответ должен уйти в канал: %v", e.channel.sent)
	}
	if e.log.count(domain.DirectionIn) != 1 || e.log.count(domain.DirectionOut) != 1 {
		t.Fatalf("ожидали по одной записи IN и OUT")
	}
}

func TestHandleDeduplicates(t *testing.T) {
	e := newEnv(Verifier{}, 100)
	raw := body(t, testPayload{ID: "wamid.dup", From: "5511999990000", Text: "tarefas"})

	var wg sync.WaitGroup
	var duplicates atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.svc.Handle(context.Background(), Request{Body: raw})
			if err != nil {
				t.Errorf("не ожидали ошибку: %v", err)
				return
			}
			if res.Outcome == OutcomeDuplicate {
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()
	e.runner.Wait()
	if e.router.calls.Load() != 1 || duplicates.Load() != 7 {
		t.Fatalf("команда должна выполниться один раз: calls=%d duplicates=%d", e.router.calls.Load(), duplicates.Load())
	}
	if e.log.count(domain.DirectionIn) != 1 {
		t.Fatalf("в журнале должна быть одна входящая запись")
	}
}

func TestHandleRejectsBadCredentials(t *testing.T) {
	e := newEnv(Verifier{Token: "t0k", Secret: "s3cret"}, 100)
	raw := body(t, testPayload{ID: "m1", From: "5511999990000", Text: "oi"})
	good := Request{Body: raw, Token: "t0k", Signature: "sha256=" + httpx.SignBody(raw, "s3cret")}

	cases := map[string]Request{
		"no token":      {Body: raw, Signature: good.Signature},
		"bad token":     {Body: raw, Token: "nope", Signature: good.Signature},
		"bad signature": {Body: raw, Token: "t0k", Signature: "sha256=" + httpx.SignBody(raw, "other")},
		"tampered body": {Body: append([]byte(" "), raw...), Token: "t0k", Signature: good.Signature},
	}
	for name, req := range cases {
		if _, err := e.svc.Handle(context.Background(), req); !errors.Is(err, domain.ErrSecurity) {
			t.Fatalf("%s: ожидали ErrSecurity, получили %v", name, err)
		}
	}
	if e.router.calls.Load() != 0 || e.log.count(domain.DirectionIn) != 0 {
		t.Fatalf("отклонённый запрос не должен иметь побочных эффектов")
	}
	if _, err := e.svc.Handle(context.Background(), good); err != nil {
		t.Fatalf("корректный запрос должен пройти: %v", err)
	}
}

func TestHandleRateLimitsPerSender(t *testing.T) {
	e := newEnv(Verifier{}, 2)
	send := func(id, from string) error {
		_, err := e.svc.Handle(context.Background(), Request{Body: body(t, testPayload{ID: id, From: from, Text: "oi"}), RemoteIP: "10.0.0.1"})
		return err
	}
	for i, id := range []string{"a", "b"} {
		if err := send(id, "5511999990000"); err != nil {
			t.Fatalf("запрос %d не должен ограничиваться: %v", i, err)
		}
	}
	err := send("c", "5511999990000")
	var rlErr *domain.RateLimitError
	if !errors.As(err, &rlErr) || rlErr.RetryAfter != time.Minute {
		t.Fatalf("ожидали RateLimitError с окном, получили %v", err)
	}
	if err := send("d", "5511888880000"); err != nil {
		t.Fatalf("другой отправитель не должен ограничиваться: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := e.svc.Handle(context.Background(), Request{Body: []byte("{"), RemoteIP: "10.0.0.9"}); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("битый payload должен давать ErrValidation, получили %v", err)
		}
	}
	if _, err := e.svc.Handle(context.Background(), Request{Body: []byte("{"), RemoteIP: "10.0.0.9"}); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("без отправителя лимит считается по IP, получили %v", err)
	}
}

func TestHandleValidation(t *testing.T) {
	e := newEnv(Verifier{}, 100)
	cases := map[string]testPayload{
		"short sender":  {ID: "1", From: "123", Text: "oi"},
		"empty text":    {ID: "2", From: "5511999990000", Text: "  "},
		"unknown kind":  {ID: "3", From: "5511999990000", Kind: "STICKER", Media: "x"},
		"media without": {ID: "4", From: "5511999990000", Kind: "IMAGE"},
	}
	for name, p := range cases {
		if _, err := e.svc.Handle(context.Background(), Request{Body: body(t, p)}); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: ожидали ErrValidation, получили %v", name, err)
		}
	}
	res, err := e.svc.Handle(context.Background(), Request{Body: body(t, testPayload{Status: true})})
	if err != nil || res.Outcome != OutcomeIgnored {
		t.Fatalf("статус доставки должен игнорироваться: %+v %v", res, err)
	}
}

func TestHandleMediaWithoutCaption(t *testing.T) {
	e := newEnv(Verifier{}, 100)
	res, err := e.svc.Handle(context.Background(), Request{Body: body(t, testPayload{ID: "img1", From: "5511999990000", Kind: "IMAGE", Media: "media-123"})})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	e.runner.Wait()
	if res.Reply != MediaReply || e.router.calls.Load() != 0 {
		t.Fatalf("файл без подписи не должен идти в роутер: %+v", res)
	}
	if len(e.channel.fetchs) != 1 || e.channel.fetchs[0] != "media-123" {
		t.Fatalf("ожидали загрузку медиа, получили %v", e.channel.fetchs)
	}

	res, err = e.svc.Handle(context.Background(), Request{Body: body(t, testPayload{ID: "img2", From: "5511999990000", Kind: "IMAGE", Media: "m", Text: "gastei 30 farmácia"})})
	if err != nil || res.Reply != "ok LOG_EXPENSE" {
		t.Fatalf("подпись должна классифицироваться: %+v %v", res, err)
	}
}

func TestHandleRouterFailureSendsApology(t *testing.T) {
	e := newEnv(Verifier{}, 100)
	e.router.err = domain.Persistence("insert", errors.New("db down"))
	_, err := e.svc.Handle(context.Background(), Request{Body: body(t, testPayload{ID: "m1", From: "5511999990000", Text: "gastei 10"})})
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("ожидали ErrPersistence, получили %v", err)
	}
	e.runner.Wait()
	if len(e.channel.sent) != 1 || e.channel.sent[0] != command.ApologyText {
		t.Fatalf("пользователь должен получить извинение: %v", e.channel.sent)
	}

	e.router.err = nil
	res, err := e.svc.Handle(context.Background(), Request{Body: body(t, testPayload{ID: "m1", From: "5511999990000", Text: "gastei 10"})})
	if err != nil || res.Outcome != OutcomeDuplicate {
		t.Fatalf("повтор провайдера после 500 должен быть дубликатом: %+v %v", res, err)
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"+55 (11) 99999-0000": "5511999990000",
		" 5511999990000 ":     "5511999990000",
		"-100123456":          "100123456",
	}
	for input, expected := range cases {
		if got := NormalizeAddress(input); got != expected {
			t.Fatalf("для %q ожидали %q, получили %q", input, expected, got)
		}
	}
}
