package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient creates an sdkClient pointing at a local test server.
func newTestClient(baseURL string) *sdkClient {
	return NewClient("test-key", option.WithBaseURL(baseURL)).(*sdkClient)
}

func extractionRequest() MessageRequest {
	temp := 0.0
	return MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 2048,
		System: []SystemBlock{
			{Text: "Extract fields as JSON.", CacheControl: &CacheControl{TTL: "5m"}},
		},
		Messages:    []Message{{Role: "user", Content: "Document type: passport"}},
		Temperature: &temp,
	}
}

// wireRequest is the subset of the Messages API body the extractor depends on.
type wireRequest struct {
	Model       string   `json:"model"`
	MaxTokens   int64    `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	System      []struct {
		Type         string `json:"type"`
		Text         string `json:"text"`
		CacheControl *struct {
			Type string `json:"type"`
			TTL  string `json:"ttl"`
		} `json:"cache_control"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func TestSDKClient_ExtractionRequestBody(t *testing.T) {
	var got wireRequest
	var apiKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("X-Api-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_passport",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": `{"passport.passport_number":`},
				{"type": "text", "text": `{"value":"A12345678","confidence":0.93}}`},
			},
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":                40,
				"output_tokens":               12,
				"cache_creation_input_tokens": 0,
				"cache_read_input_tokens":     900,
			},
		})
	}))
	defer ts.Close()

	resp, err := newTestClient(ts.URL).CreateMessage(context.Background(), extractionRequest())
	require.NoError(t, err)

	assert.Equal(t, "test-key", apiKey)
	assert.Equal(t, "claude-haiku-4-5-20251001", got.Model)
	assert.Equal(t, int64(2048), got.MaxTokens)
	require.NotNil(t, got.Temperature, "zero temperature is sent, not omitted")
	assert.Zero(t, *got.Temperature)

	require.Len(t, got.System, 1)
	assert.Equal(t, "Extract fields as JSON.", got.System[0].Text)
	require.NotNil(t, got.System[0].CacheControl)
	assert.Equal(t, "ephemeral", got.System[0].CacheControl.Type)
	assert.Equal(t, "5m", got.System[0].CacheControl.TTL)

	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	require.Len(t, got.Messages[0].Content, 1)
	assert.Equal(t, "Document type: passport", got.Messages[0].Content[0].Text)

	assert.Equal(t, `{"passport.passport_number":{"value":"A12345678","confidence":0.93}}`, resp.Text())
	assert.Equal(t, int64(900), resp.Usage.CacheReadInputTokens)
	assert.Equal(t, int64(952), resp.Usage.Total())
}

func TestSDKClient_NoSystemOrTemperature(t *testing.T) {
	var raw map[string]json.RawMessage
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id": "msg_plain", "type": "message", "role": "assistant",
			"content": []map[string]any{}, "model": "m", "stop_reason": "end_turn",
			"usage": map[string]any{"input_tokens": 1, "output_tokens": 0},
		})
	}))
	defer ts.Close()

	resp, err := newTestClient(ts.URL).CreateMessage(context.Background(), MessageRequest{
		Model:     "m",
		MaxTokens: 16,
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Text())
	assert.NotContains(t, raw, "system")
	assert.NotContains(t, raw, "temperature")
}

// Status codes drive extract's classification: 401/403 are systemic, 429 and
// 5xx are retried by the caller. The client itself must make exactly one
// attempt so retries are not multiplied.
func TestSDKClient_ErrorStatusSingleAttempt(t *testing.T) {
	for _, code := range []int{
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusTooManyRequests,
		http.StatusServiceUnavailable,
	} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			var hits atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(code)
				json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
					"type":  "error",
					"error": map[string]any{"type": "api_error", "message": http.StatusText(code)},
				})
			}))
			defer ts.Close()

			_, err := newTestClient(ts.URL).CreateMessage(context.Background(), extractionRequest())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "anthropic: create message")
			assert.Equal(t, code, StatusCode(err))
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestSDKClient_TransportErrorHasNoStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := newTestClient(url).CreateMessage(context.Background(), extractionRequest())
	require.Error(t, err)
	assert.Zero(t, StatusCode(err))
}
