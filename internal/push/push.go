// Package push delivers notifications to devices.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/nurture/internal/logging"
	"github.com/mohammad-safakhou/nurture/internal/metrics"
)

const (
	// DefaultExpoURL is the Expo push API endpoint.
	DefaultExpoURL = "https://exp.host/--/api/v2/push/send"
	// DefaultTitle is shown above every notification body.
	DefaultTitle   = "💕 Nossa Maternidade"
	defaultTimeout = 10 * time.Second
	userAgent      = "nurture-dispatch/1"
)

// ErrRejected wraps a push the provider answered but did not accept.
var ErrRejected = errors.New("push rejected")

// Message is one notification.
type Message struct {
	To         string
	Title      string
	Body       string
	Type       string
	PlanID     string
	DeliveryID string
	CTA        string
}

// Transport sends a message. A nil error means the provider accepted it.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg Message) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

type expoData struct {
	Type       string `json:"type,omitempty"`
	PlanID     string `json:"plan_id"`
	DeliveryID string `json:"delivery_id"`
	CTA        string `json:"cta,omitempty"`
}

type expoRequest struct {
	To    string   `json:"to"`
	Sound string   `json:"sound"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Data  expoData `json:"data"`
}

type expoResponse struct {
	Data struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"data"`
}

// ExpoConfig configures an ExpoTransport.
type ExpoConfig struct {
	URL         string
	AccessToken string
	Title       string
	Timeout     time.Duration
}

// Expo posts to the Expo push API. Each message gets exactly one attempt.
type Expo struct {
	httpClient  *http.Client
	logger      *zap.Logger
	url         string
	accessToken string
	title       string
}

// NewExpo validates cfg and returns a transport.
func NewExpo(logger *zap.Logger, cfg ExpoConfig) (*Expo, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultExpoURL
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid push URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("push URL must use http or https scheme, got %q", u.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Title == "" {
		cfg.Title = DefaultTitle
	}
	return &Expo{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		logger:      logging.OrNop(logger).Named("push"),
		url:         cfg.URL,
		accessToken: cfg.AccessToken,
		title:       cfg.Title,
	}, nil
}

// Send implements Transport.
func (e *Expo) Send(ctx context.Context, msg Message) error {
	start := time.Now()
	err := e.send(ctx, msg)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.PushDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return err
}

func (e *Expo) send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("%w: empty push token", ErrRejected)
	}
	title := msg.Title
	if title == "" {
		title = e.title
	}
	body, err := json.Marshal(expoRequest{
		To:    msg.To,
		Sound: "default",
		Title: title,
		Body:  msg.Body,
		Data:  expoData{Type: msg.Type, PlanID: msg.PlanID, DeliveryID: msg.DeliveryID, CTA: msg.CTA},
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if e.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.accessToken)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read push response: %w", err)
	}
	var out expoResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("%w: status %d, undecodable body", ErrRejected, resp.StatusCode)
	}
	if out.Data.Status == "ok" {
		return nil
	}
	reason := out.Data.Message
	if reason == "" {
		reason = "Expo push failed"
	}
	e.logger.Debug("push rejected", zap.String("plan_id", msg.PlanID), zap.String("reason", reason))
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}
