package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completionServer answers every chat completion with content.
func completionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "gpt-test", req["model"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-test",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}},
		})
	}))
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, errors.Is(err, ErrMissingCredential))
}

func TestCompleteJSON(t *testing.T) {
	srv := completionServer(t, "```json\n{\"text\":\"Oi {nome}\",\"cta\":\"abrir\"}\n```")
	defer srv.Close()

	c, err := New(Options{APIKey: "k", BaseURL: srv.URL, Model: "gpt-test"})
	require.NoError(t, err)

	var out struct {
		Text string `json:"text"`
		CTA  string `json:"cta"`
	}
	require.NoError(t, c.CompleteJSON(context.Background(), "sys", "user", &out))
	assert.Equal(t, "Oi {nome}", out.Text)
	assert.Equal(t, "abrir", out.CTA)
}

func TestCompleteJSONMalformed(t *testing.T) {
	srv := completionServer(t, "não sei")
	defer srv.Close()

	c, err := New(Options{APIKey: "k", BaseURL: srv.URL, Model: "gpt-test"})
	require.NoError(t, err)
	var out map[string]interface{}
	assert.Error(t, c.CompleteJSON(context.Background(), "sys", "user", &out))
}
