package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"contractor-dispatch/internal/domain"
)

// DefaultPushURL is Expo's push send endpoint.
const DefaultPushURL = "https://exp.host/--/api/v2/push/send"

// ErrDeviceNotRegistered means the token is dead and should not be retried.
var ErrDeviceNotRegistered = errors.New("device not registered")

// errRetriable marks failures worth another attempt: timeouts and 5xx answers.
var errRetriable = errors.New("retriable push failure")

type Config struct {
	URL         string
	AccessToken string
	Timeout     time.Duration
	MaxRetries  int
	Backoff     time.Duration
}

type pushClient struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewPushClient creates a domain.NotificationGateway that posts to the Expo push API.
func NewPushClient(cfg Config, logger *slog.Logger) domain.NotificationGateway {
	if cfg.URL == "" {
		cfg.URL = DefaultPushURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &pushClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With("component", "expo-push"),
	}
}

type pushRequest struct {
	To    string         `json:"to"`
	Sound string         `json:"sound"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

type pushTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

type pushResponse struct {
	Data   pushTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// Deliver sends msg to token, retrying timeouts and 5xx answers up to MaxRetries times.
func (c *pushClient) Deliver(ctx context.Context, token string, msg domain.PushMessage) error {
	body, err := json.Marshal(pushRequest{
		To:    token,
		Sound: "default",
		Title: msg.Title,
		Body:  msg.Body,
		Data:  msg.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode push request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		ticketID, err := c.send(ctx, body)
		if err == nil {
			c.logger.Debug("push accepted", "ticket_id", ticketID, "attempt", attempt+1)
			return nil
		}
		lastErr = err
		if !errors.Is(err, errRetriable) {
			return err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		c.logger.Warn("push attempt failed, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-time.After(c.cfg.Backoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("push failed after %d retries: %w", c.cfg.MaxRetries, lastErr)
}

// send performs one POST and returns the Expo ticket id.
func (c *pushClient) send(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", fmt.Errorf("%w: %v", errRetriable, err)
		}
		return "", fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: expo returned %s", errRetriable, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("expo rejected push with %s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	var out pushResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode expo response: %w", err)
	}
	if len(out.Errors) > 0 {
		return "", fmt.Errorf("expo error %s: %s", out.Errors[0].Code, out.Errors[0].Message)
	}
	if out.Data.Status == "error" {
		if out.Data.Details.Error == "DeviceNotRegistered" {
			return "", fmt.Errorf("%w: %s", ErrDeviceNotRegistered, out.Data.Message)
		}
		return "", fmt.Errorf("expo ticket error %s: %s", out.Data.Details.Error, out.Data.Message)
	}
	return out.Data.ID, nil
}
