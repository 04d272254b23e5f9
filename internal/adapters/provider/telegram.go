package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/metrics"
)

// Telegram реализует канал через Bot API.
type Telegram struct {
	bot          *tgbotapi.BotAPI
	t            *transport
	fileEndpoint string
}

// NewTelegram оборачивает готовый клиент Bot API.
func NewTelegram(bot *tgbotapi.BotAPI, logger zerolog.Logger, opts ...Option) *Telegram {
	return &Telegram{
		bot:          bot,
		t:            newTransport("telegram", logger, opts),
		fileEndpoint: tgbotapi.FileEndpoint,
	}
}

// Name возвращает имя провайдера.
func (tg *Telegram) Name() string { return "telegram" }

// ParseInbound разбирает Update. Принимаются только личные чаты; адрес отправителя —
// id чата, ключ дедупликации строится из пары чат:сообщение.
func (tg *Telegram) ParseInbound(raw []byte) (domain.InboundEvent, error) {
	var upd tgbotapi.Update
	if err := json.Unmarshal(raw, &upd); err != nil {
		return domain.InboundEvent{}, domain.NewValidationError("telegram update: %v", err)
	}
	msg := upd.Message
	if msg == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return domain.InboundEvent{}, domain.ErrNoMessage
	}
	event := domain.InboundEvent{
		ProviderMessageID: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		SenderAddress:     strconv.FormatInt(msg.Chat.ID, 10),
	}
	if msg.From != nil {
		event.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	switch {
	case msg.Text != "":
		event.Kind = domain.KindText
		event.Text = msg.Text
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		event.Kind = domain.KindImage
		event.MediaRef = largest.FileID
		event.Mime = "image/jpeg"
		event.Text = msg.Caption
	case msg.Voice != nil:
		event.Kind = domain.KindAudio
		event.MediaRef = msg.Voice.FileID
		event.Mime = msg.Voice.MimeType
		event.Text = msg.Caption
	case msg.Audio != nil:
		event.Kind = domain.KindAudio
		event.MediaRef = msg.Audio.FileID
		event.Mime = msg.Audio.MimeType
		event.Text = msg.Caption
	case msg.Document != nil:
		event.Kind = domain.KindDocument
		event.MediaRef = msg.Document.FileID
		event.Mime = msg.Document.MimeType
		event.Text = msg.Caption
	default:
		return domain.InboundEvent{}, domain.ErrNoMessage
	}
	return event, nil
}

// botAPITarget — метка target для вызовов через клиент Bot API.
const botAPITarget = "bot_api"

// SendText отправляет текст частями в пределах лимита Telegram.
func (tg *Telegram) SendText(ctx context.Context, address, text string) error {
	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return domain.NewValidationError("telegram chat id %q: %v", address, err)
	}
	for _, part := range SplitText(text, TelegramTextLimit) {
		msg := tgbotapi.NewMessage(chatID, part)
		err := tg.t.exec.Do(ctx, "telegram_send_message", func(ctx context.Context) error {
			start := time.Now()
			_, err := tg.bot.Send(msg)
			err = tg.mapError("send_message", err)
			metrics.ObserveNetworkRequest("telegram", "send_message", botAPITarget, start, err)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// GetMedia получает путь файла через getFile и скачивает его.
func (tg *Telegram) GetMedia(ctx context.Context, ref string) (domain.Media, error) {
	var file tgbotapi.File
	err := tg.t.exec.Do(ctx, "telegram_get_file", func(ctx context.Context) error {
		start := time.Now()
		f, err := tg.bot.GetFile(tgbotapi.FileConfig{FileID: ref})
		err = tg.mapError("get_file", err)
		metrics.ObserveNetworkRequest("telegram", "get_file", botAPITarget, start, err)
		if err == nil {
			file = f
		}
		return err
	})
	if err != nil {
		return domain.Media{}, err
	}
	resp, err := tg.t.call(ctx, "file_download", request{
		method: http.MethodGet,
		url:    fmt.Sprintf(tg.fileEndpoint, tg.bot.Token, file.FilePath),
	})
	if err != nil {
		return domain.Media{}, err
	}
	return domain.Media{Data: resp.body, Mime: mediaType(resp.header, resp.body, "")}, nil
}

// mapError переводит ответ Bot API с кодом ошибки в domain.ProviderError.
func (tg *Telegram) mapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &domain.ProviderError{
			Provider:   tg.Name(),
			Operation:  operation,
			StatusCode: apiErr.Code,
			Body:       apiErr.Message,
		}
	}
	return fmt.Errorf("telegram %s: %w: %w", operation, domain.ErrTransientProvider, err)
}

var _ Channel = (*Telegram)(nil)
