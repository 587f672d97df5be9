package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSFU talks to the media node's control API. Routing contexts and
// transports live on the node; this client only moves parameters back and
// forth.
type HTTPSFU struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPSFU(baseURL string) *HTTPSFU {
	return &HTTPSFU{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPSFU) CreateRoutingContext(ctx context.Context, callID string) (string, error) {
	var out struct {
		ContextID string `json:"context_id"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/contexts", map[string]string{"call_id": callID}, &out)
	if err != nil {
		return "", err
	}
	return out.ContextID, nil
}

func (c *HTTPSFU) CreateTransport(ctx context.Context, contextID string) (Transport, error) {
	var out Transport
	err := c.do(ctx, http.MethodPost, "/v1/contexts/"+contextID+"/transports", nil, &out)
	return out, err
}

func (c *HTTPSFU) ConnectTransport(ctx context.Context, transportID string, clientParams json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/v1/transports/"+transportID+"/connect",
		map[string]json.RawMessage{"params": clientParams}, nil)
}

func (c *HTTPSFU) Produce(ctx context.Context, transportID, kind string, params json.RawMessage) (string, error) {
	var out struct {
		ProducerID string `json:"producer_id"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/transports/"+transportID+"/producers",
		map[string]interface{}{"kind": kind, "params": params}, &out)
	if err != nil {
		return "", err
	}
	return out.ProducerID, nil
}

func (c *HTTPSFU) Consume(ctx context.Context, transportID, producerID string, clientCaps json.RawMessage) (Consumer, error) {
	var out Consumer
	err := c.do(ctx, http.MethodPost, "/v1/transports/"+transportID+"/consumers",
		map[string]interface{}{"producer_id": producerID, "capabilities": clientCaps}, &out)
	return out, err
}

func (c *HTTPSFU) CloseProducer(ctx context.Context, producerID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/producers/"+producerID, nil, nil)
}

func (c *HTTPSFU) CloseContext(ctx context.Context, contextID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/contexts/"+contextID, nil, nil)
}

func (c *HTTPSFU) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return fmt.Errorf("encode sfu request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("build sfu request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sfu request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrResourceClosed
	case resp.StatusCode >= 300:
		return fmt.Errorf("sfu %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode sfu response: %w", err)
	}
	return nil
}
