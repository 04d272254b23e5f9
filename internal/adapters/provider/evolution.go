package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
)

// EvolutionConfig описывает подключение к шлюзу Evolution API.
type EvolutionConfig struct {
	BaseURL  string
	APIKey   string
	Instance string
}

// Evolution реализует канал через self-hosted шлюз WhatsApp (Evolution API).
type Evolution struct {
	cfg EvolutionConfig
	t   *transport
}

// NewEvolution создаёт канал Evolution.
func NewEvolution(cfg EvolutionConfig, logger zerolog.Logger, opts ...Option) *Evolution {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Evolution{cfg: cfg, t: newTransport("evolution", logger, opts)}
}

// Name возвращает имя провайдера.
func (e *Evolution) Name() string { return "evolution" }

type evoPayload struct {
	Event    string  `json:"event"`
	Instance string  `json:"instance"`
	Data     evoData `json:"data"`
}

type evoData struct {
	Key struct {
		ID        string `json:"id"`
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
	} `json:"key"`
	PushName    string     `json:"pushName"`
	MessageType string     `json:"messageType"`
	Message     evoMessage `json:"message"`
}

type evoMessage struct {
	Conversation        string    `json:"conversation"`
	ExtendedTextMessage *evoText  `json:"extendedTextMessage,omitempty"`
	ImageMessage        *evoMedia `json:"imageMessage,omitempty"`
	AudioMessage        *evoMedia `json:"audioMessage,omitempty"`
	DocumentMessage     *evoMedia `json:"documentMessage,omitempty"`
}

type evoText struct {
	Text string `json:"text"`
}

type evoMedia struct {
	Caption  string `json:"caption"`
	Mimetype string `json:"mimetype"`
	FileName string `json:"fileName"`
}

// ParseInbound разбирает событие messages.upsert. Собственные сообщения бота
// и групповые чаты пропускаются.
func (e *Evolution) ParseInbound(raw []byte) (domain.InboundEvent, error) {
	var payload evoPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.InboundEvent{}, domain.NewValidationError("evolution payload: %v", err)
	}
	if payload.Event != "" && !strings.EqualFold(strings.ReplaceAll(payload.Event, "_", "."), "messages.upsert") {
		return domain.InboundEvent{}, domain.ErrNoMessage
	}
	data := payload.Data
	jid := data.Key.RemoteJid
	if data.Key.FromMe || jid == "" || strings.HasSuffix(jid, "@g.us") {
		return domain.InboundEvent{}, domain.ErrNoMessage
	}
	if at := strings.IndexByte(jid, '@'); at >= 0 {
		jid = jid[:at]
	}
	event := domain.InboundEvent{
		ProviderMessageID: data.Key.ID,
		SenderAddress:     jid,
		SenderName:        data.PushName,
	}
	msg := data.Message
	media := func(kind domain.MessageKind, m *evoMedia) {
		event.Kind = kind
		event.MediaRef = data.Key.ID
		event.Mime = m.Mimetype
		event.Text = strings.TrimSpace(m.Caption)
	}
	switch {
	case msg.Conversation != "":
		event.Kind = domain.KindText
		event.Text = msg.Conversation
	case msg.ExtendedTextMessage != nil:
		event.Kind = domain.KindText
		event.Text = msg.ExtendedTextMessage.Text
	case msg.ImageMessage != nil:
		media(domain.KindImage, msg.ImageMessage)
	case msg.AudioMessage != nil:
		media(domain.KindAudio, msg.AudioMessage)
	case msg.DocumentMessage != nil:
		media(domain.KindDocument, msg.DocumentMessage)
	default:
		return domain.InboundEvent{}, domain.ErrNoMessage
	}
	return event, nil
}

// SendText отправляет текст через /message/sendText/{instance}.
func (e *Evolution) SendText(ctx context.Context, address, text string) error {
	for _, part := range SplitText(text, WhatsAppTextLimit) {
		_, err := e.t.call(ctx, "send_message", request{
			method:  http.MethodPost,
			url:     fmt.Sprintf("%s/message/sendText/%s", e.cfg.BaseURL, e.cfg.Instance),
			headers: e.auth(),
			body:    map[string]any{"number": address, "text": part},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// GetMedia запрашивает содержимое медиа-сообщения в base64 по id сообщения.
func (e *Evolution) GetMedia(ctx context.Context, ref string) (domain.Media, error) {
	resp, err := e.t.call(ctx, "media_download", request{
		method:  http.MethodPost,
		url:     fmt.Sprintf("%s/chat/getBase64FromMediaMessage/%s", e.cfg.BaseURL, e.cfg.Instance),
		headers: e.auth(),
		body: map[string]any{
			"message": map[string]any{"key": map[string]any{"id": ref}},
		},
	})
	if err != nil {
		return domain.Media{}, err
	}
	var out struct {
		Base64   string `json:"base64"`
		Mimetype string `json:"mimetype"`
	}
	if err := decode(e.Name(), "media_download", resp.body, &out); err != nil {
		return domain.Media{}, err
	}
	data, err := base64.StdEncoding.DecodeString(out.Base64)
	if err != nil {
		return domain.Media{}, fmt.Errorf("evolution media %s: decode base64: %w", ref, err)
	}
	return domain.Media{Data: data, Mime: mediaType(http.Header{}, data, out.Mimetype)}, nil
}

func (e *Evolution) auth() map[string]string {
	return map[string]string{"apikey": e.cfg.APIKey}
}

var _ Channel = (*Evolution)(nil)
