package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/metrics"
	"finance-bot/internal/infra/retry"
)

func fastRetry() Option {
	return WithExecutor(retry.New(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Timeout: time.Second}, zerolog.Nop()))
}

const waTextPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "123",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"wa_id": "5511999990000", "profile": {"name": "Ana"}}],
        "messages": [{"from": "5511999990000", "id": "wamid.ABC", "type": "text", "text": {"body": "gastei 50 mercado"}}]
      }
    }]
  }]
}`

func TestWhatsAppParseText(t *testing.T) {
	w := NewWhatsApp(WhatsAppConfig{Token: "tok", PhoneID: "1"}, zerolog.Nop())
	event, err := w.ParseInbound([]byte(waTextPayload))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	expected := domain.InboundEvent{
		ProviderMessageID: "wamid.ABC",
		SenderAddress:     "5511999990000",
		SenderName:        "Ana",
		Kind:              domain.KindText,
		Text:              "gastei 50 mercado",
	}
	if event != expected {
		t.Fatalf("неверное событие: %+v", event)
	}
}

func TestWhatsAppParseMediaAndStatuses(t *testing.T) {
	w := NewWhatsApp(WhatsAppConfig{}, zerolog.Nop())
	image := `{"entry":[{"changes":[{"value":{"messages":[{"from":"5511","id":"wamid.IMG","type":"image","image":{"id":"media-1","mime_type":"image/jpeg","caption":"gastei 30 farmácia"}}]}}]}]}`
	event, err := w.ParseInbound([]byte(image))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if event.Kind != domain.KindImage || event.MediaRef != "media-1" || event.Mime != "image/jpeg" || event.Text != "gastei 30 farmácia" {
		t.Fatalf("неверное медиа-событие: %+v", event)
	}

	voice := `{"entry":[{"changes":[{"value":{"messages":[{"from":"5511","id":"wamid.V","type":"voice","voice":{"id":"media-2","mime_type":"audio/ogg"}}]}}]}]}`
	if event, err := w.ParseInbound([]byte(voice)); err != nil || event.Kind != domain.KindAudio {
		t.Fatalf("голосовое должно стать AUDIO: %+v %v", event, err)
	}

	statuses := `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.ABC","status":"delivered"}]}}]}]}`
	if _, err := w.ParseInbound([]byte(statuses)); !errors.Is(err, domain.ErrNoMessage) {
		t.Fatalf("статусы должны давать ErrNoMessage, получили %v", err)
	}
	sticker := `{"entry":[{"changes":[{"value":{"messages":[{"from":"5511","id":"wamid.S","type":"sticker"}]}}]}]}`
	if _, err := w.ParseInbound([]byte(sticker)); !errors.Is(err, domain.ErrNoMessage) {
		t.Fatalf("стикер должен игнорироваться, получили %v", err)
	}
	if _, err := w.ParseInbound([]byte("not json")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("битый JSON должен давать ErrValidation, получили %v", err)
	}
}

func TestWhatsAppSendTextRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v19.0/PHONE/messages" || r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("неожиданный запрос %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.OUT"}]}`))
	}))
	defer srv.Close()

	w := NewWhatsApp(WhatsAppConfig{Token: "tok", PhoneID: "PHONE", APIBase: srv.URL + "/v19.0/"}, zerolog.Nop(), fastRetry())
	if err := w.SendText(context.Background(), "5511999990000", "Olá"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("ожидали повтор после 502, вызовов: %d", calls.Load())
	}
	if got["to"] != "5511999990000" || got["messaging_product"] != "whatsapp" {
		t.Fatalf("неверное тело запроса: %v", got)
	}
}

func TestWhatsAppMetricsUseHostNotRecipient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.OUT"}]}`))
	}))
	defer srv.Close()

	w := NewWhatsApp(WhatsAppConfig{Token: "tok", PhoneID: "PHONE", APIBase: srv.URL}, zerolog.Nop(), fastRetry())
	if err := w.SendText(context.Background(), "5521987654321", "Olá"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NetworkRequestTotal)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	host := strings.TrimPrefix(srv.URL, "http://")
	var sawHost bool
	for _, family := range families {
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() != "target" {
					continue
				}
				if strings.Contains(label.GetValue(), "5521987654321") {
					t.Fatalf("номер получателя попал в метку target")
				}
				if label.GetValue() == host {
					sawHost = true
				}
			}
		}
	}
	if !sawHost {
		t.Fatalf("ожидали метку target=%s", host)
	}
}

func TestWhatsAppSendTextClientErrorIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid recipient"}}`))
	}))
	defer srv.Close()

	w := NewWhatsApp(WhatsAppConfig{Token: "tok", PhoneID: "1", APIBase: srv.URL}, zerolog.Nop(), fastRetry())
	err := w.SendText(context.Background(), "5511", "oi")
	var perr *domain.ProviderError
	if !errors.As(err, &perr) || perr.StatusCode != http.StatusBadRequest || perr.Retryable() {
		t.Fatalf("ожидали нефатальный ProviderError 400, получили %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx не должен повторяться, вызовов: %d", calls.Load())
	}
}

func TestWhatsAppGetMedia(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/media-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"url":"` + srv.URL + `/download/media-1","mime_type":"image/png"}`))
	})
	mux.HandleFunc("/download/media-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "PNGDATA")
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	w := NewWhatsApp(WhatsAppConfig{Token: "tok", PhoneID: "1", APIBase: srv.URL}, zerolog.Nop(), fastRetry())
	media, err := w.GetMedia(context.Background(), "media-1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if string(media.Data) != "PNGDATA" || media.Mime != "image/png" {
		t.Fatalf("неверное медиа: %q %s", media.Data, media.Mime)
	}
}
