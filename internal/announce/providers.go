package announce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Speaker turns an utterance into audio on the display's speakers.
type Speaker interface {
	Speak(ctx context.Context, utterance Utterance) error
}

type Utterance struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

var ErrSpeakerUnavailable = errors.New("text-to-speech unavailable")

// NewSpeaker picks a provider by kind: log, noop, fail, webhook, or a bare
// http(s) URL that is treated as a webhook.
func NewSpeaker(kind, url, token string, logger *zap.Logger) Speaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch kind {
	case "", "none":
		return nil
	case "log", "stub":
		return logSpeaker{logger: logger}
	case "noop":
		return noopSpeaker{}
	case "fail":
		return failSpeaker{}
	case "webhook":
		if url == "" {
			return logSpeaker{logger: logger}
		}
		return newWebhookSpeaker(url, token)
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return newWebhookSpeaker(kind, token)
		}
		return logSpeaker{logger: logger}
	}
}

type logSpeaker struct {
	logger *zap.Logger
}

func (s logSpeaker) Speak(ctx context.Context, utterance Utterance) error {
	s.logger.Info("speak", zap.String("text", utterance.Text), zap.String("language", utterance.Language))
	return nil
}

type noopSpeaker struct{}

func (noopSpeaker) Speak(ctx context.Context, utterance Utterance) error {
	return nil
}

type failSpeaker struct{}

func (failSpeaker) Speak(ctx context.Context, utterance Utterance) error {
	return ErrSpeakerUnavailable
}

type webhookSpeaker struct {
	client *resty.Client
	url    string
}

func newWebhookSpeaker(url, token string) webhookSpeaker {
	client := resty.New().
		SetTimeout(5*time.Second).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return webhookSpeaker{client: client, url: url}
}

func (s webhookSpeaker) Speak(ctx context.Context, utterance Utterance) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(utterance).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("tts webhook: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("tts webhook rejected request: status %d", resp.StatusCode())
	}
	return nil
}
