package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"smsqd/internal/store"
)

// httpSender talks to a generic JSON SMS gateway: POST {to,from,body} to
// the configured endpoint, bearer-authenticated with the provider token.
type httpSender struct {
	endpoint string
	token    string
	client   *http.Client
}

func newHTTPSender(p store.Provider) (Sender, error) {
	if p.Endpoint == "" {
		return nil, fmt.Errorf("http provider %s: endpoint is required", p.ID)
	}
	return &httpSender{
		endpoint: p.Endpoint,
		token:    p.AuthToken,
		client:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type gatewayRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	Body string `json:"body"`
}

type gatewayResponse struct {
	MessageID string  `json:"message_id"`
	Cost      float64 `json:"cost"`
	Error     string  `json:"error,omitempty"`
}

func (h *httpSender) Send(ctx context.Context, msg OutboundMessage) (Result, error) {
	payload, err := json.Marshal(gatewayRequest{To: msg.To, From: msg.From, Body: msg.Body})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Result{}, err
	}

	var gw gatewayResponse
	_ = json.Unmarshal(body, &gw)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{ProviderRef: gw.MessageID, Cost: gw.Cost}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		reason := gw.Error
		if reason == "" {
			reason = fmt.Sprintf("gateway returned %d", resp.StatusCode)
		}
		return Result{}, &PermanentError{Reason: reason}
	default:
		return Result{}, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
}
