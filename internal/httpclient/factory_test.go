package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
)

func TestNew(t *testing.T) {
	client := New(DefaultConfig())

	assert.NotNil(t, client)
	assert.Equal(t, 60*time.Second, client.Timeout)
}

func TestFromClientConfig(t *testing.T) {
	tests := []struct {
		name     string
		in       config.ClientConfig
		timeout  time.Duration
		insecure bool
	}{
		{"defaults", config.ClientConfig{}, 60 * time.Second, false},
		{"explicit timeout", config.ClientConfig{Timeout: 5 * time.Second}, 5 * time.Second, false},
		{"self-signed appliance", config.ClientConfig{InsecureSkipVerify: true}, 60 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromClientConfig(tt.in)
			assert.Equal(t, tt.timeout, cfg.Timeout)
			assert.Equal(t, tt.insecure, cfg.InsecureSkipVerify)
		})
	}
}

func TestInsecureClientAcceptsSelfSigned(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	strict := New(Config{Timeout: 5 * time.Second})
	_, err := strict.Get(server.URL)
	assert.Error(t, err)

	lax := New(Config{Timeout: 5 * time.Second, InsecureSkipVerify: true})
	resp, err := lax.Get(server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCrossHostRedirectRefused(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer other.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, other.URL+"/elsewhere", http.StatusFound)
	}))
	defer server.Close()

	client := New(DefaultConfig())
	_, err := client.Get(server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cross-host redirect")
}

func TestDoWithContext_RespectsTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = DoWithContext(ctx, client, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseBody_Nil(t *testing.T) {
	assert.NoError(t, CloseBody(nil))
	assert.NoError(t, CloseBody(&http.Response{}))
}
