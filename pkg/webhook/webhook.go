// Package webhook delivers custody notifications to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/model"
)

// Header names set on every delivery.
const (
	HeaderEvent     = "X-Custody-Event"
	HeaderDelivery  = "X-Custody-Delivery"
	HeaderSignature = "X-Custody-Signature"
)

const defaultTimeout = 10 * time.Second

// Payload is the body posted to each hook.
type Payload struct {
	NotificationID string       `json:"notification_id"`
	Template       string       `json:"template"`
	Recipient      string       `json:"recipient"`
	Attempt        int          `json:"attempt"`
	Notice         model.Notice `json:"notice"`
}

// Hook is one delivery target.
type Hook struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Client posts payloads to every configured hook.
type Client struct {
	hooks []Hook
	http  *http.Client
}

// NewClient creates a client for the enabled hooks in cfg.
func NewClient(cfg []config.WebhookConfig) *Client {
	c := &Client{http: &http.Client{}}
	for _, h := range cfg {
		if !h.Enabled || h.URL == "" {
			continue
		}
		timeout := h.Timeout.Duration
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.hooks = append(c.hooks, Hook{URL: h.URL, Secret: h.Secret, Timeout: timeout})
	}
	return c
}

// Len returns the number of enabled hooks.
func (c *Client) Len() int { return len(c.hooks) }

// Deliver posts p to every hook once. Retrying is the caller's concern.
// The error joins the failures of every hook that did not answer 2xx.
func (c *Client) Deliver(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var errs []error
	for _, h := range c.hooks {
		if err := c.post(ctx, h, p, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) post(ctx context.Context, h Hook, p Payload, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Custody-Webhook/1.0")
	req.Header.Set(HeaderEvent, p.Template)
	req.Header.Set(HeaderDelivery, p.NotificationID)
	if h.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, h.Secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// Sign creates an HMAC-SHA256 signature for the payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is the signature of payload under
// secret. Receivers use it to authenticate deliveries.
func VerifySignature(payload []byte, secret, sig string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(sig))
}
