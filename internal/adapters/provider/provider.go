package provider

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Settings собирает учётные данные всех провайдеров; используется только выбранный.
type Settings struct {
	Provider         string
	WhatsApp         WhatsAppConfig
	TelegramToken    string
	TelegramEndpoint string
	Evolution        EvolutionConfig
}

// New создаёт канал по имени провайдера.
func New(s Settings, logger zerolog.Logger, opts ...Option) (Channel, error) {
	switch s.Provider {
	case "whatsapp":
		if s.WhatsApp.Token == "" || s.WhatsApp.PhoneID == "" {
			return nil, fmt.Errorf("whatsapp: нужны WHATSAPP_TOKEN и WHATSAPP_PHONE_ID")
		}
		return NewWhatsApp(s.WhatsApp, logger, opts...), nil
	case "telegram":
		if s.TelegramToken == "" {
			return nil, fmt.Errorf("telegram: нужен TG_BOT_TOKEN")
		}
		endpoint := s.TelegramEndpoint
		if endpoint == "" {
			endpoint = tgbotapi.APIEndpoint
		}
		t := newTransport("telegram", logger, opts)
		bot, err := tgbotapi.NewBotAPIWithClient(s.TelegramToken, endpoint, t.client)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		return &Telegram{bot: bot, t: t, fileEndpoint: tgbotapi.FileEndpoint}, nil
	case "evolution":
		if s.Evolution.BaseURL == "" || s.Evolution.Instance == "" {
			return nil, fmt.Errorf("evolution: нужны EVOLUTION_URL и EVOLUTION_INSTANCE")
		}
		return NewEvolution(s.Evolution, logger, opts...), nil
	}
	return nil, fmt.Errorf("неизвестный провайдер канала %q", s.Provider)
}
