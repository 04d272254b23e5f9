package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
)

// DefaultWhatsAppAPIBase — базовый адрес Graph API.
const DefaultWhatsAppAPIBase = "https://graph.facebook.com/v19.0"

// WhatsAppConfig содержит учётные данные Cloud API.
type WhatsAppConfig struct {
	Token   string
	PhoneID string
	APIBase string
}

// WhatsApp реализует канал WhatsApp Business Cloud API.
type WhatsApp struct {
	cfg WhatsAppConfig
	t   *transport
}

// NewWhatsApp создаёт канал WhatsApp.
func NewWhatsApp(cfg WhatsAppConfig, logger zerolog.Logger, opts ...Option) *WhatsApp {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultWhatsAppAPIBase
	}
	cfg.APIBase = strings.TrimSuffix(cfg.APIBase, "/")
	return &WhatsApp{cfg: cfg, t: newTransport("whatsapp", logger, opts)}
}

// Name возвращает имя провайдера.
func (w *WhatsApp) Name() string { return "whatsapp" }

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Field string  `json:"field"`
	Value waValue `json:"value"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From        string         `json:"from"`
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Text        *waText        `json:"text,omitempty"`
	Image       *waMedia       `json:"image,omitempty"`
	Audio       *waMedia       `json:"audio,omitempty"`
	Voice       *waMedia       `json:"voice,omitempty"`
	Document    *waMedia       `json:"document,omitempty"`
	Button      *waText        `json:"button,omitempty"`
	Interactive *waInteractive `json:"interactive,omitempty"`
}

type waText struct {
	Body string `json:"body"`
	Text string `json:"text"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type waInteractive struct {
	ButtonReply *struct {
		Title string `json:"title"`
	} `json:"button_reply,omitempty"`
	ListReply *struct {
		Title string `json:"title"`
	} `json:"list_reply,omitempty"`
}

// ParseInbound разбирает entry[].changes[].value.messages[] и берёт первое сообщение.
// Вебхуки статусов доставки не содержат messages и дают domain.ErrNoMessage.
func (w *WhatsApp) ParseInbound(raw []byte) (domain.InboundEvent, error) {
	var payload waPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.InboundEvent{}, domain.NewValidationError("whatsapp payload: %v", err)
	}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				event, ok := w.toEvent(msg)
				if !ok {
					continue
				}
				event.SenderName = contactName(change.Value.Contacts, msg.From)
				return event, nil
			}
		}
	}
	return domain.InboundEvent{}, domain.ErrNoMessage
}

func (w *WhatsApp) toEvent(msg waMessage) (domain.InboundEvent, bool) {
	event := domain.InboundEvent{ProviderMessageID: msg.ID, SenderAddress: msg.From}
	media := func(kind domain.MessageKind, m *waMedia) (domain.InboundEvent, bool) {
		if m == nil {
			return event, false
		}
		event.Kind = kind
		event.MediaRef = m.ID
		event.Mime = m.MimeType
		event.Text = strings.TrimSpace(m.Caption)
		return event, true
	}
	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return event, false
		}
		event.Kind = domain.KindText
		event.Text = msg.Text.Body
		return event, true
	case "button":
		if msg.Button == nil {
			return event, false
		}
		event.Kind = domain.KindText
		event.Text = msg.Button.Text
		return event, true
	case "interactive":
		if msg.Interactive == nil {
			return event, false
		}
		event.Kind = domain.KindText
		switch {
		case msg.Interactive.ButtonReply != nil:
			event.Text = msg.Interactive.ButtonReply.Title
		case msg.Interactive.ListReply != nil:
			event.Text = msg.Interactive.ListReply.Title
		default:
			return event, false
		}
		return event, true
	case "image":
		return media(domain.KindImage, msg.Image)
	case "audio":
		return media(domain.KindAudio, msg.Audio)
	case "voice":
		return media(domain.KindAudio, msg.Voice)
	case "document":
		return media(domain.KindDocument, msg.Document)
	}
	// стикеры, локации и реакции не обрабатываем
	return event, false
}

func contactName(contacts []waContact, from string) string {
	for _, c := range contacts {
		if c.WaID == from || len(contacts) == 1 {
			return c.Profile.Name
		}
	}
	return ""
}

// SendText отправляет текст, разбивая длинные ответы на части.
func (w *WhatsApp) SendText(ctx context.Context, address, text string) error {
	url := fmt.Sprintf("%s/%s/messages", w.cfg.APIBase, w.cfg.PhoneID)
	for _, part := range SplitText(text, WhatsAppTextLimit) {
		_, err := w.t.call(ctx, "send_message", request{
			method:  http.MethodPost,
			url:     url,
			headers: w.auth(),
			body: map[string]any{
				"messaging_product": "whatsapp",
				"recipient_type":    "individual",
				"to":                address,
				"type":              "text",
				"text":              map[string]any{"body": part, "preview_url": false},
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// GetMedia получает ссылку на файл по media id и скачивает его.
func (w *WhatsApp) GetMedia(ctx context.Context, ref string) (domain.Media, error) {
	resp, err := w.t.call(ctx, "media_info", request{
		method:  http.MethodGet,
		url:     fmt.Sprintf("%s/%s", w.cfg.APIBase, ref),
		headers: w.auth(),
	})
	if err != nil {
		return domain.Media{}, err
	}
	var info struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := decode(w.Name(), "media_info", resp.body, &info); err != nil {
		return domain.Media{}, err
	}
	if info.URL == "" {
		return domain.Media{}, fmt.Errorf("whatsapp media %s: empty url: %w", ref, domain.ErrNotFound)
	}
	file, err := w.t.call(ctx, "media_download", request{
		method:  http.MethodGet,
		url:     info.URL,
		headers: w.auth(),
	})
	if err != nil {
		return domain.Media{}, err
	}
	return domain.Media{Data: file.body, Mime: mediaType(file.header, file.body, info.MimeType)}, nil
}

func (w *WhatsApp) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + w.cfg.Token}
}

var _ Channel = (*WhatsApp)(nil)
