// Package webhook переводит HTTP запросы провайдера в вызовы конвейера ingress
// и результаты обратно в HTTP ответы.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
	httpx "finance-bot/internal/infra/http"
	"finance-bot/internal/infra/metrics"
	"finance-bot/internal/usecase/ingress"
)

// Ingress — конвейер обработки входящего сообщения.
type Ingress interface {
	Handle(ctx context.Context, req ingress.Request) (ingress.Result, error)
}

// Config задаёт параметры HTTP слоя.
type Config struct {
	Provider        string
	SignatureHeader string
	VerifyToken     string
	MaxBodyBytes    int64
}

// Handler обслуживает /webhook и /healthz.
type Handler struct {
	svc Ingress
	cfg Config
	log zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(svc Ingress, cfg Config, logger zerolog.Logger) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Hub-Signature-256"
	}
	return &Handler{svc: svc, cfg: cfg, log: logger.With().Str("component", "webhook").Logger()}
}

// Register монтирует маршруты.
func (h *Handler) Register(r chi.Router) {
	r.Post("/webhook", h.receive)
	r.Get("/webhook", h.liveness)
	r.Get("/healthz", h.liveness)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		metrics.IncWebhook("invalid")
		httpx.WriteError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	req := ingress.Request{
		Body:      body,
		Token:     httpx.RequestToken(r),
		Signature: r.Header.Get(h.cfg.SignatureHeader),
		RemoteIP:  remoteIP(r),
	}
	res, err := h.svc.Handle(r.Context(), req)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	metrics.IncWebhook(string(res.Outcome))
	httpx.WriteJSON(w, http.StatusOK, httpx.Response{OK: true, Message: string(res.Outcome)})
}

// remoteIP возвращает адрес клиента без порта, чтобы лимит по IP не зависел от соединения.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeFailure отображает таксономию ошибок на HTTP статусы.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var rlErr *domain.RateLimitError
	switch {
	case errors.Is(err, domain.ErrSecurity):
		metrics.IncWebhook("unauthorized")
		h.log.Warn().Err(err).Str("remote_ip", r.RemoteAddr).Msg("webhook: отказ в доступе")
		httpx.WriteError(w, http.StatusUnauthorized, errors.New("unauthorized"))
	case errors.As(err, &rlErr):
		metrics.IncWebhook("rate_limited")
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rlErr.RetryAfter.Seconds()))))
		httpx.WriteError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, domain.ErrValidation):
		metrics.IncWebhook("invalid")
		h.log.Debug().Err(err).Msg("webhook: некорректный запрос")
		httpx.WriteError(w, http.StatusBadRequest, err)
	default:
		metrics.IncWebhook("error")
		h.log.Error().Err(err).Str("request_id", httpx.RequestID(r)).Msg("webhook: внутренняя ошибка")
		httpx.WriteError(w, http.StatusInternalServerError, err)
	}
}

// liveness отвечает на GET. Для WhatsApp также проходит проверку подписки hub.*.
func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.cfg.Provider == "whatsapp" && q.Get("hub.mode") != "" {
		if q.Get("hub.mode") == "subscribe" && h.cfg.VerifyToken != "" && httpx.ValidToken(q.Get("hub.verify_token"), h.cfg.VerifyToken) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, q.Get("hub.challenge"))
			return
		}
		h.log.Warn().Str("mode", q.Get("hub.mode")).Msg("webhook: проверка подписки не пройдена")
		httpx.WriteError(w, http.StatusForbidden, errors.New("verification failed"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Response{OK: true, Message: "alive"})
}
