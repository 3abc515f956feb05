package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayReply struct {
	MessageID string `json:"messageId"`
}

func TestPostJSON(t *testing.T) {
	cases := map[string]struct {
		status  int
		reply   string
		out     bool
		wantErr bool
	}{
		"accepted with reply": {status: http.StatusAccepted, reply: `{"messageId":"m-1"}`, out: true},
		"no content":          {status: http.StatusNoContent},
		"reply ignored":       {status: http.StatusOK, reply: `{"messageId":"m-2"}`},
		"gateway rejects":     {status: http.StatusBadRequest, reply: `{"error":"bad recipient"}`, wantErr: true},
		"undecodable reply":   {status: http.StatusOK, reply: `<html>`, out: true, wantErr: true},
		"gateway unavailable": {status: http.StatusServiceUnavailable, wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var received map[string]string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.reply))
			}))
			defer server.Close()

			var reply *gatewayReply
			if tc.out {
				reply = &gatewayReply{}
			}
			var out any
			if reply != nil {
				out = reply
			}
			err := NewClient(time.Second).PostJSON(context.Background(), server.URL, map[string]string{"recipient": "98079008"}, out)

			assert.Equal(t, "98079008", received["recipient"])
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if reply != nil {
				assert.Equal(t, "m-1", reply.MessageID)
			}
		})
	}
}

func TestPostJSONHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := NewClient(time.Minute).PostJSON(ctx, server.URL, struct{}{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	slow := NewClient(30 * time.Millisecond)
	assert.Error(t, slow.PostJSON(context.Background(), server.URL, struct{}{}, nil), "client timeout applies without a deadline")
}

func TestPostJSONRejectsUnencodableBody(t *testing.T) {
	err := NewClient(0).PostJSON(context.Background(), "http://127.0.0.1:1", map[string]any{"f": func() {}}, nil)
	assert.Error(t, err)
}

func TestGetJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		expectError    bool
		expectStatus   int
	}{
		{name: "successful GET", serverResponse: http.StatusOK, serverBody: `{"data":"test","value":123}`},
		{name: "not found", serverResponse: http.StatusNotFound, serverBody: `{"error":"not found"}`, expectError: true, expectStatus: http.StatusNotFound},
		{name: "server error", serverResponse: http.StatusInternalServerError, expectError: true, expectStatus: http.StatusInternalServerError},
		{name: "invalid JSON response", serverResponse: http.StatusOK, serverBody: `{invalid json}`, expectError: true},
		{name: "redirect without location", serverResponse: http.StatusMovedPermanently, expectError: true, expectStatus: http.StatusMovedPermanently},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					_, _ = w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			var out map[string]any
			err := NewClient(time.Second).GetJSON(context.Background(), server.URL, &out)
			if !tt.expectError {
				require.NoError(t, err)
				assert.Equal(t, "test", out["data"])
				assert.Equal(t, float64(123), out["value"])
				return
			}
			require.Error(t, err)
			if tt.expectStatus != 0 {
				assert.True(t, IsStatus(err, tt.expectStatus), "expected status %d in %v", tt.expectStatus, err)
			}
		})
	}
}

func TestInvalidURL(t *testing.T) {
	ctx := context.Background()
	c := NewClient(0)

	assert.Error(t, c.PostJSON(ctx, "://invalid-url", map[string]string{"a": "b"}, nil))
	var out map[string]any
	assert.Error(t, c.GetJSON(ctx, "://invalid-url", &out))
	assert.Error(t, c.GetJSON(ctx, "http://localhost:99999", &out))
}

func TestClientHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`[{"uid":"1"}]`))
	}))
	defer server.Close()

	base := NewClient(0)
	authed := base.WithBearer("secret").WithHeader("X-Tag", "sts")

	raw, err := authed.GetRaw(context.Background(), server.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"uid":"1"}]`, string(raw))
	assert.Equal(t, "Bearer secret", got.Get("Authorization"))
	assert.Equal(t, "sts", got.Get("X-Tag"))
	assert.Equal(t, "application/json", got.Get("Accept"))

	_, err = base.GetRaw(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Empty(t, got.Get("Authorization"), "derived clients must not leak headers into the base")

	assert.Same(t, base, base.WithBearer(""))
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{URL: "http://x", StatusCode: 502, Body: "bad gateway"}
	assert.Equal(t, "http http://x: 502: bad gateway", err.Error())
	assert.False(t, IsStatus(json.Unmarshal([]byte("x"), &struct{}{}), 502))
}
