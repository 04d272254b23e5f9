// Package ingress принимает входящие вебхуки: проверяет подлинность, ограничивает
// частоту, валидирует, отбрасывает повторы и передаёт сообщение роутеру команд.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/background"
	"finance-bot/internal/nlu"
	"finance-bot/internal/usecase/command"
)

// Outcome — итог обработки вебхука, который уходит в ответ провайдеру.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicated"
	OutcomeIgnored   Outcome = "ignored"
)

// MediaReply отправляется на файл без подписи.
const MediaReply = "📎 Recebi seu arquivo. Por enquanto eu entendo comandos em texto, envie uma legenda como: gastei 50 mercado"

// Request — сырой запрос вебхука. Token и Signature извлекает транспортный слой.
type Request struct {
	Body      []byte
	Token     string
	Signature string
	RemoteIP  string
}

// Result возвращается при успешной обработке, в том числе для повторов.
type Result struct {
	Outcome Outcome
	Reply   string
	UserID  int64
}

// Dispatcher выполняет распознанное намерение.
type Dispatcher interface {
	Dispatch(ctx context.Context, user domain.ChannelUser, intent domain.Intent, text string) (string, error)
}

// Deps собирает зависимости сервиса.
type Deps struct {
	Verifier Verifier
	Parser   domain.InboundParser
	Limiter  domain.RateLimiter
	Users    domain.UserRepo
	Messages domain.MessageLogRepo
	Router   Dispatcher
	Channel  domain.OutboundChannel
	Runner   *background.Runner
}

// Service — конвейер входящих сообщений.
type Service struct {
	deps     Deps
	classify func(string) domain.Intent
	log      zerolog.Logger
	now      func() time.Time
}

// NewService создаёт конвейер.
func NewService(deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		deps:     deps,
		classify: nlu.Classify,
		log:      logger.With().Str("component", "ingress").Str("provider", deps.Parser.Name()).Logger(),
		now:      time.Now,
	}
}

// Handle проводит запрос через все проверки. Ошибки относятся к таксономии domain:
// ErrSecurity, ErrRateLimited (*RateLimitError), ErrValidation; остальные считаются внутренними.
func (s *Service) Handle(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if err := s.deps.Verifier.Verify(req); err != nil {
		return Result{}, err
	}

	event, parseErr := s.deps.Parser.ParseInbound(req.Body)
	if parseErr == nil {
		event.SenderAddress = NormalizeAddress(event.SenderAddress)
	}
	identifier := event.SenderAddress
	if parseErr != nil || identifier == "" {
		identifier = "ip:" + req.RemoteIP
	}
	if s.deps.Limiter != nil {
		if err := s.deps.Limiter.Allow(ctx, identifier); err != nil {
			return Result{}, err
		}
	}

	if parseErr != nil {
		if errors.Is(parseErr, domain.ErrNoMessage) {
			return Result{Outcome: OutcomeIgnored}, nil
		}
		if errors.Is(parseErr, domain.ErrValidation) {
			return Result{}, parseErr
		}
		return Result{}, domain.NewValidationError("payload: %v", parseErr)
	}
	if err := Validate(event); err != nil {
		return Result{}, err
	}

	logger := s.log.With().Str("provider_message_id", event.ProviderMessageID).Str("kind", string(event.Kind)).Logger()
	user, created, err := s.deps.Users.GetOrCreateByPhone(ctx, event.SenderAddress, event.SenderName)
	if err != nil {
		return Result{}, fmt.Errorf("пользователь: %w", err)
	}
	logger = logger.With().Int64("user_id", user.ID).Logger()
	if created {
		logger.Info().Msg("ingress: новый пользователь")
	}

	uid := user.ID
	inserted, err := s.deps.Messages.AppendMessage(ctx, domain.MessageLogEntry{
		UserID:            &uid,
		ProviderMessageID: event.ProviderMessageID,
		Direction:         domain.DirectionIn,
		Kind:              event.Kind,
		Content:           inboundContent(event),
		Timestamp:         s.now(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("журнал сообщений: %w", err)
	}
	if !inserted {
		logger.Info().Msg("ingress: повтор сообщения, пропускаем")
		return Result{Outcome: OutcomeDuplicate, UserID: user.ID}, nil
	}

	if event.Kind != domain.KindText && event.Text == "" {
		s.fetchMedia(event, logger)
		s.reply(user, MediaReply, logger)
		return Result{Outcome: OutcomeProcessed, Reply: MediaReply, UserID: user.ID}, nil
	}

	intent := s.classify(event.Text)
	reply, err := s.deps.Router.Dispatch(ctx, user, intent, event.Text)
	if err != nil {
		logger.Error().Err(err).
			Str("intent", string(intent.Kind)).
			Dur("duration", time.Since(start)).
			Msg("ingress: команда завершилась ошибкой")
		s.reply(user, command.ApologyText, logger)
		return Result{}, err
	}
	s.reply(user, reply, logger)
	logger.Debug().Str("intent", string(intent.Kind)).Dur("duration", time.Since(start)).Msg("ingress: сообщение обработано")
	return Result{Outcome: OutcomeProcessed, Reply: reply, UserID: user.ID}, nil
}

// reply отправляет ответ в канал в фоне и пишет его в журнал как исходящий.
func (s *Service) reply(user domain.ChannelUser, text string, logger zerolog.Logger) {
	if text == "" || s.deps.Channel == nil || s.deps.Runner == nil {
		return
	}
	s.deps.Runner.Go("reply", func(ctx context.Context) error {
		if err := s.deps.Channel.SendText(ctx, user.Phone, text); err != nil {
			return fmt.Errorf("отправка ответа пользователю %d: %w", user.ID, err)
		}
		uid := user.ID
		if _, err := s.deps.Messages.AppendMessage(ctx, domain.MessageLogEntry{
			UserID:    &uid,
			Direction: domain.DirectionOut,
			Kind:      domain.KindText,
			Content:   text,
			Timestamp: s.now(),
		}); err != nil {
			logger.Warn().Err(err).Msg("ingress: не удалось записать исходящее сообщение")
		}
		return nil
	})
}

// fetchMedia загружает файл без подписи, чтобы залогировать его размер и тип.
func (s *Service) fetchMedia(event domain.InboundEvent, logger zerolog.Logger) {
	if event.MediaRef == "" || s.deps.Channel == nil || s.deps.Runner == nil {
		return
	}
	s.deps.Runner.Go("media_fetch", func(ctx context.Context) error {
		media, err := s.deps.Channel.GetMedia(ctx, event.MediaRef)
		if err != nil {
			return fmt.Errorf("загрузка медиа %s: %w", event.MediaRef, err)
		}
		logger.Info().Str("mime", media.Mime).Int("bytes", len(media.Data)).Msg("ingress: медиа получено")
		return nil
	})
}

func inboundContent(event domain.InboundEvent) string {
	if event.Kind == domain.KindText {
		return event.Text
	}
	content := "[" + string(event.Kind) + "]"
	if event.Mime != "" {
		content += " " + event.Mime
	}
	if event.MediaRef != "" {
		content += " " + event.MediaRef
	}
	if event.Text != "" {
		content += " " + event.Text
	}
	return content
}
