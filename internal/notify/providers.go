package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"
)

// Provider delivers one rendered message to one recipient. Providers are
// fire-and-forget from the scheduler's point of view; failures surface
// here and are logged by the worker, never propagated upstream.
type Provider interface {
	Send(ctx context.Context, message, recipient string) error
}

// NewProvider maps a configured provider kind to an implementation. An
// unknown kind falls back to the log provider so a misconfigured channel
// degrades to visible noise instead of silent drops.
func NewProvider(kind, channel, webhookURL, webhookToken string) Provider {
	switch kind {
	case "", "stub", "log":
		return logProvider{channel: channel}
	case "noop":
		return noopProvider{}
	case "webhook":
		if webhookURL == "" {
			return logProvider{channel: channel}
		}
		return webhookProvider{channel: channel, url: webhookURL, token: webhookToken}
	default:
		return logProvider{channel: channel}
	}
}

type logProvider struct {
	channel string
}

func (p logProvider) Send(_ context.Context, message, recipient string) error {
	log.Printf("notify %s to %s: %s", p.channel, recipient, message)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(context.Context, string, string) error {
	return nil
}

type webhookProvider struct {
	channel string
	url     string
	token   string
}

func (p webhookProvider) Send(ctx context.Context, message, recipient string) error {
	body, err := json.Marshal(map[string]string{
		"channel":   p.channel,
		"recipient": recipient,
		"message":   message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("provider rejected request")
	}
	return nil
}
