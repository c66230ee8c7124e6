package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/harvester/internal/app/acquisition"
	"github.com/ahrav/harvester/pkg/common/logger"
)

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	fetcher, err := acquisition.NewClient(acquisition.Config{MaxRetries: 2, BaseDelay: time.Millisecond}, nil, logger.Noop(), tracer)
	require.NoError(t, err)
	c, err := NewClient(url, false, fetcher, tracer)
	require.NoError(t, err)
	return c
}

func TestClient_Render(t *testing.T) {
	t.Parallel()

	var got renderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"streams": {
				"username": [
					{"text": "alice", "box": {"x": 0, "y": 100, "width": 80, "height": 20}},
					{"text": "bob"}
				],
				"comment": [{"text": "hi", "box": {"x": 100, "y": 102, "width": 300, "height": 18}}]
			},
			"has_more": true
		}`))
	}))
	t.Cleanup(srv.Close)

	snap, err := newClient(t, srv.URL).Render(context.Background(), "光伏 site:forum", 3)
	require.NoError(t, err)

	assert.Equal(t, renderRequest{Query: "光伏 site:forum", Page: 3}, got)
	assert.True(t, snap.HasMore)
	require.Len(t, snap.Streams["username"], 2)
	assert.Equal(t, "alice", snap.Streams["username"][0].Text)
	require.NotNil(t, snap.Streams["username"][0].Box)
	assert.InDelta(t, 110.0, snap.Streams["username"][0].Box.CenterY(), 1e-9)
	assert.Nil(t, snap.Streams["username"][1].Box)
	assert.Len(t, snap.Streams["comment"], 1)
}

func TestClient_MalformedResponseIsRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"streams": [`))
			return
		}
		_, _ = w.Write([]byte(`{"streams": {}, "has_more": false}`))
	}))
	t.Cleanup(srv.Close)

	snap, err := newClient(t, srv.URL).Render(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.False(t, snap.HasMore)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Exhausted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := newClient(t, srv.URL).Render(context.Background(), "q", 1)
	require.ErrorIs(t, err, acquisition.ErrRetriesExhausted)
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewClient("", false, nil, noop.NewTracerProvider().Tracer("test"))
	require.Error(t, err)
}
