package ingress

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"finance-bot/internal/domain"
	httpx "finance-bot/internal/infra/http"
)

// Границы валидации входящего события.
const (
	MinSenderLen = 5
	MaxSenderLen = 64
	MaxTextLen   = 4096
)

// Verifier проверяет подлинность вебхука. Пустые Token и Secret отключают
// соответствующую проверку; каждая настроенная проверка обязательна.
type Verifier struct {
	Token  string
	Secret string
}

// Verify возвращает ошибку, оборачивающую domain.ErrSecurity.
func (v Verifier) Verify(req Request) error {
	if v.Token != "" && !httpx.ValidToken(req.Token, v.Token) {
		return fmt.Errorf("token: %w", domain.ErrSecurity)
	}
	if v.Secret != "" && !httpx.ValidSignature(req.Body, v.Secret, req.Signature) {
		return fmt.Errorf("signature: %w", domain.ErrSecurity)
	}
	return nil
}

// NormalizeAddress убирает пробелы, плюс и разделители из номера.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "+")
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, address)
}

// Validate проверяет нормализованное событие.
func Validate(event domain.InboundEvent) error {
	n := utf8.RuneCountInString(event.SenderAddress)
	if n < MinSenderLen || n > MaxSenderLen {
		return domain.NewValidationError("sender address length %d out of range", n)
	}
	if strings.IndexFunc(event.SenderAddress, unicode.IsSpace) >= 0 {
		return domain.NewValidationError("sender address contains spaces")
	}
	if !event.Kind.Valid() {
		return domain.NewValidationError("unknown message kind %q", event.Kind)
	}
	if utf8.RuneCountInString(event.Text) > MaxTextLen {
		return domain.NewValidationError("text longer than %d characters", MaxTextLen)
	}
	switch event.Kind {
	case domain.KindText:
		if strings.TrimSpace(event.Text) == "" {
			return domain.NewValidationError("empty text message")
		}
	default:
		if event.MediaRef == "" && strings.TrimSpace(event.Text) == "" {
			return domain.NewValidationError("media message without reference")
		}
	}
	return nil
}
