package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohammad-safakhou/nurture/internal/domain"
	"github.com/mohammad-safakhou/nurture/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 10, 23, 15, 0, 0, time.UTC)

func TestDecodeValid(t *testing.T) {
	raw := []byte(`{"success":true,"signal":{"tags":["tag_lonely","harm_thoughts"],"scores":{"stress_score":72.6,"support_score":30},"risk_level":8}}`)
	sig, err := Decode(raw, "u1", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "u1", sig.UserID)
	assert.Equal(t, []string{"harm_thoughts", "tag_lonely"}, sig.Tags)
	assert.Equal(t, 73, sig.Scores["stress_score"])
	assert.Equal(t, 8, sig.RiskLevel)
	assert.Equal(t, fixedNow, sig.ComputedAt)
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":        `{"signal":`,
		"missing signal":  `{"ok":true}`,
		"risk as string":  `{"signal":{"tags":[],"scores":{},"risk_level":"high"}}`,
		"score as string": `{"signal":{"tags":[],"scores":{"stress_score":"x"},"risk_level":1}}`,
		"tags not array":  `{"signal":{"tags":"lonely","scores":{},"risk_level":1}}`,
		"missing scores":  `{"signal":{"tags":[],"risk_level":1}}`,
	} {
		_, err := Decode([]byte(raw), "u1", fixedNow)
		assert.True(t, errors.Is(err, ErrInvalidPayload), name)
	}
}

func TestHTTPAggregator(t *testing.T) {
	var gotBody map[string]string
	var gotAuth string
	body := `{"signal":{"tags":["tag_single_mom"],"scores":{"support_score":20},"risk_level":2}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	agg := NewHTTPAggregator(srv.URL, "secret", time.Second, nil)
	agg.Now = func() time.Time { return fixedNow }
	sig, err := agg.Aggregate(context.Background(), "u7")
	require.NoError(t, err)
	assert.Equal(t, "u7", gotBody["userId"])
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.True(t, sig.HasTag("tag_single_mom"))
	assert.Equal(t, 2, sig.RiskLevel)
}

func TestDecodeClampsOutOfRange(t *testing.T) {
	raw := []byte(`{"signal":{"tags":["harm_thoughts",""],"scores":{"stress_score":100.5,"support_score":-3},"risk_level":11}}`)
	sig, err := Decode(raw, "u1", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 10, sig.RiskLevel)
	assert.Equal(t, []string{"harm_thoughts"}, sig.Tags)
	assert.Equal(t, 100, sig.Scores["stress_score"])
	assert.Equal(t, 0, sig.Scores["support_score"])
}

func TestHTTPAggregatorOutOfRangeScoreKeepsCrisis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"signal":{"tags":["harm_thoughts"],"scores":{"stress_score":100.5},"risk_level":10}}`))
	}))
	defer srv.Close()

	agg := NewHTTPAggregator(srv.URL, "", time.Second, nil)
	agg.Now = func() time.Time { return fixedNow }
	sig, err := agg.Aggregate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, sig.RiskLevel)
	assert.True(t, sig.HasTag("harm_thoughts"))

	d := policy.Decide(sig, policy.UserMeta{})
	assert.Equal(t, domain.PriorityAlert, d.Priority)
	_, ok := CrisisAlert(sig, policy.AlertRiskLevel, []string{"pp_intrusive", "harm_thoughts"})
	assert.True(t, ok)
}

func TestHTTPAggregatorMalformedIsNeutral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"signal":{"tags":null,"scores":"x","risk_level":"high"}}`))
	}))
	defer srv.Close()

	agg := NewHTTPAggregator(srv.URL, "", time.Second, nil)
	agg.Now = func() time.Time { return fixedNow }
	sig, err := agg.Aggregate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.NeutralSignal("u1", fixedNow), sig)
}

func TestHTTPAggregatorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPAggregator(srv.URL, "", time.Second, nil).Aggregate(context.Background(), "u1")
	assert.Error(t, err)
}

func TestCrisisAlert(t *testing.T) {
	sig := domain.Signal{UserID: "u1", RiskLevel: 9, Tags: []string{"harm_thoughts", "pp_intrusive"}, ComputedAt: fixedNow}
	alert, ok := CrisisAlert(sig, 8, []string{"pp_intrusive", "harm_thoughts"})
	require.True(t, ok)
	assert.Equal(t, "pp_intrusive", alert.AlertType)
	assert.Equal(t, 9, alert.Severity)
	assert.Equal(t, "tags detected: pp_intrusive, harm_thoughts", alert.TriggerReason)

	_, ok = CrisisAlert(domain.Signal{RiskLevel: 10}, 8, []string{"pp_intrusive"})
	assert.False(t, ok)
	_, ok = CrisisAlert(domain.Signal{RiskLevel: 5, Tags: []string{"pp_intrusive"}}, 8, []string{"pp_intrusive"})
	assert.False(t, ok)
}
