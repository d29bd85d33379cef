// Package signal fetches the per-user behavioural snapshot consumed by the policy engine.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "embed"

	"github.com/mohammad-safakhou/nurture/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

//go:embed signal_schema.json
var signalSchemaJSON string

// Aggregator produces a signal for one user.
type Aggregator interface {
	Aggregate(ctx context.Context, userID string) (domain.Signal, error)
}

// AggregatorFunc adapts a function to Aggregator.
type AggregatorFunc func(ctx context.Context, userID string) (domain.Signal, error)

// Aggregate implements Aggregator.
func (f AggregatorFunc) Aggregate(ctx context.Context, userID string) (domain.Signal, error) {
	return f(ctx, userID)
}

var (
	compileOnce  sync.Once
	signalSchema *jsonschema.Schema
	compileErr   error
)

// Schema returns the compiled aggregator response schema.
func Schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("signal_schema.json", strings.NewReader(signalSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("signal_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile signal schema: %w", err)
			return
		}
		signalSchema = schema
	})
	return signalSchema, compileErr
}

// ErrInvalidPayload marks a response that does not match the schema.
var ErrInvalidPayload = errors.New("invalid signal payload")

type payload struct {
	Signal struct {
		Tags      []string           `json:"tags"`
		Scores    map[string]float64 `json:"scores"`
		RiskLevel float64            `json:"risk_level"`
	} `json:"signal"`
}

// Decode validates raw against the schema and converts it to a normalized signal.
func Decode(raw []byte, userID string, at time.Time) (domain.Signal, error) {
	schema, err := Schema()
	if err != nil {
		return domain.Signal{}, err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Signal{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		return domain.Signal{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Signal{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	sig := domain.Signal{
		UserID:     userID,
		Tags:       p.Signal.Tags,
		Scores:     make(map[string]int, len(p.Signal.Scores)),
		RiskLevel:  roundBounded(p.Signal.RiskLevel),
		ComputedAt: at,
	}
	for k, v := range p.Signal.Scores {
		sig.Scores[k] = roundBounded(v)
	}
	return sig.Normalize(), nil
}

// roundBounded keeps huge values from overflowing int before Normalize clamps them.
func roundBounded(v float64) int {
	return int(math.Round(math.Max(-1000, math.Min(1000, v))))
}

// HTTPAggregator calls the remote signal builder: POST {"userId"} -> {"signal": {...}}.
type HTTPAggregator struct {
	URL    string
	Token  string
	Client *http.Client
	Logger *zap.Logger
	Now    func() time.Time
}

// NewHTTPAggregator returns an aggregator with its own client timeout.
func NewHTTPAggregator(url, token string, timeout time.Duration, logger *zap.Logger) *HTTPAggregator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAggregator{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: timeout},
		Logger: logger.Named("signal"),
		Now:    time.Now,
	}
}

// Aggregate returns an error only when the builder could not be reached or
// answered with a non-2xx status. A malformed body yields the neutral signal.
func (a *HTTPAggregator) Aggregate(ctx context.Context, userID string) (domain.Signal, error) {
	body, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return domain.Signal{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return domain.Signal{}, fmt.Errorf("build signal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("signal request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Signal{}, fmt.Errorf("signal builder status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Signal{}, fmt.Errorf("read signal response: %w", err)
	}
	now := a.Now()
	sig, err := Decode(raw, userID, now)
	if err != nil {
		a.Logger.Warn("signal payload rejected, using neutral signal", zap.String("user_id", userID), zap.Error(err))
		return domain.NeutralSignal(userID, now), nil
	}
	return sig, nil
}

// CrisisAlert returns the alert to record for sig, if any: risk at or above
// minLevel together with at least one of crisisTags.
func CrisisAlert(sig domain.Signal, minLevel int, crisisTags []string) (domain.Alert, bool) {
	if sig.RiskLevel < minLevel {
		return domain.Alert{}, false
	}
	var hit []string
	for _, t := range crisisTags {
		if sig.HasTag(t) {
			hit = append(hit, t)
		}
	}
	if len(hit) == 0 {
		return domain.Alert{}, false
	}
	return domain.Alert{
		UserID:        sig.UserID,
		AlertType:     hit[0],
		Severity:      sig.RiskLevel,
		TriggerReason: "tags detected: " + strings.Join(hit, ", "),
		CreatedAt:     sig.ComputedAt,
	}, true
}
