package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchWithoutAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no network access expected without an API key")
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL}, zerolog.Nop())
	assert.False(t, client.Configured())

	payload, err := client.Search(context.Background(), "cats")
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "web_search is not configured", result["error"])
}

func TestSearchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cats", r.URL.Query().Get("q"))
		assert.Equal(t, "test-key", r.Header.Get("X-Subscription-Token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"web": {"results": [
				{"title": "All about cats", "url": "https://example.com/cats", "description": "Cats."}
			]}
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", Endpoint: server.URL}, zerolog.Nop())
	assert.True(t, client.Configured())

	payload, err := client.Search(context.Background(), "cats")
	require.NoError(t, err)

	var response Response
	require.NoError(t, json.Unmarshal(payload, &response))
	assert.Equal(t, "cats", response.Query)
	require.Len(t, response.Results, 1)
	assert.Equal(t, "All about cats", response.Results[0].Title)
	assert.Equal(t, "https://example.com/cats", response.Results[0].URL)
}

func TestSearchServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", Endpoint: server.URL}, zerolog.Nop())

	_, err := client.Search(context.Background(), "cats")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestSearchMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", Endpoint: server.URL}, zerolog.Nop())

	_, err := client.Search(context.Background(), "cats")
	assert.Error(t, err)
}
