// Package provider реализует каналы мессенджеров: разбор входящих вебхуков
// и исходящую отправку через HTTP API провайдера.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/metrics"
	"finance-bot/internal/infra/retry"
)

const (
	maxErrorBody = 4 << 10
	maxMediaSize = 32 << 20
)

// Channel объединяет входящий и исходящий контракты провайдера.
type Channel interface {
	domain.InboundParser
	domain.OutboundChannel
}

// Option настраивает HTTP клиент провайдера.
type Option func(*transport)

// WithHTTPClient подменяет http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *transport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithTimeout задаёт таймаут http.Client.
func WithTimeout(timeout time.Duration) Option {
	return func(t *transport) {
		t.client.Timeout = timeout
	}
}

// WithExecutor задаёт политику повторов исходящих вызовов.
func WithExecutor(exec *retry.Executor) Option {
	return func(t *transport) {
		if exec != nil {
			t.exec = exec
		}
	}
}

type transport struct {
	provider string
	client   *http.Client
	exec     *retry.Executor
	log      zerolog.Logger
}

func newTransport(provider string, logger zerolog.Logger, opts []Option) *transport {
	t := &transport{
		provider: provider,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      logger.With().Str("component", "provider").Str("provider", provider).Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.exec == nil {
		t.exec = retry.New(retry.DefaultPolicy(), logger)
	}
	return t
}

type request struct {
	method  string
	url     string
	body    any
	headers map[string]string
}

type response struct {
	body   []byte
	header http.Header
}

// call выполняет запрос через Executor. Ответ 5xx и 429 повторяется, прочие 4xx возвращаются сразу.
// call выполняет запрос через Executor. Метка target в метриках — хост API, а не адресат.
func (t *transport) call(ctx context.Context, operation string, req request) (response, error) {
	var out response
	err := t.exec.Do(ctx, t.provider+"_"+operation, func(ctx context.Context) error {
		resp, err := t.roundTrip(ctx, operation, req)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

func (t *transport) roundTrip(ctx context.Context, operation string, req request) (response, error) {
	var buf io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return response{}, fmt.Errorf("marshal request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, buf)
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	target := httpReq.URL.Host

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest(t.provider, operation, target, start, err)
		return response{}, fmt.Errorf("%s %s: %w: %w", t.provider, operation, domain.ErrTransientProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		perr := &domain.ProviderError{
			Provider:   t.provider,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
		metrics.ObserveNetworkRequest(t.provider, operation, target, start, perr)
		return response{}, perr
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize))
	metrics.ObserveNetworkRequest(t.provider, operation, target, start, err)
	if err != nil {
		return response{}, fmt.Errorf("%s %s: read body: %w: %w", t.provider, operation, domain.ErrTransientProvider, err)
	}
	return response{body: data, header: resp.Header}, nil
}

// decode разбирает JSON ответа провайдера.
func decode(provider, operation string, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", provider, operation, err)
	}
	return nil
}

// mediaType берёт тип из заголовка ответа, иначе определяет по содержимому.
func mediaType(header http.Header, data []byte, fallback string) string {
	if fallback != "" {
		return fallback
	}
	if ct := header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/octet-stream") {
		return ct
	}
	return http.DetectContentType(data)
}
