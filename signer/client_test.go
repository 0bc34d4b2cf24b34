package signer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhnurbekov/robot-sub000/internal/reliability"
)

// noRetry keeps failure-path tests to a single upstream attempt.
func noRetry() reliability.RetryPolicy {
	return reliability.NewIncrementalBackoff(time.Millisecond, 0)
}

func TestSignData(t *testing.T) {
	t.Run("extracts signature from JSON response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, PathSign, r.URL.Path)
			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "ZGF0YQ==", payload["data"])
			assert.Equal(t, "secret", payload["password"])
			_ = json.NewEncoder(w).Encode(map[string]string{"signature": "c2ln"})
		}))
		defer server.Close()

		client := NewClient(server.URL)
		sig, err := client.SignData(context.Background(), "ZGF0YQ==", "Y2VydA==", "secret")
		require.NoError(t, err)
		assert.Equal(t, "c2ln", sig)
	})

	t.Run("surfaces server errors as upstream errors", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "key load failed", http.StatusInternalServerError)
		}))
		defer server.Close()

		client := NewClient(server.URL, WithRetryPolicy(noRetry()))
		_, err := client.SignData(context.Background(), "ZGF0YQ==", "Y2VydA==", "secret")

		var upstreamErr *UpstreamError
		require.ErrorAs(t, err, &upstreamErr)
		assert.Equal(t, http.StatusInternalServerError, upstreamErr.StatusCode)
		assert.True(t, upstreamErr.IsRetryable())
	})
}

func TestSignatureNormalization(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"signature field", `{"signature":"abc"}`, "abc"},
		{"sign field", `{"sign":"abc"}`, "abc"},
		{"signedData field", `{"signedData":"abc"}`, "abc"},
		{"result field", `{"result":"abc"}`, "abc"},
		{"raw xml body", `<ds:Signature>abc</ds:Signature>`, "<ds:Signature>abc</ds:Signature>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeSignature(PathSign, []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("fails when no signature field present", func(t *testing.T) {
		_, err := normalizeSignature(PathSign, []byte(`{"unrelated":true}`))
		assert.Error(t, err)
	})
}

func TestSignXMLRawResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathSignXML, r.URL.Path)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(`<signed><doc/></signed>`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	signed, err := client.SignXML(context.Background(), "<doc/>", "Y2VydA==", "secret")
	require.NoError(t, err)
	assert.Equal(t, `<signed><doc/></signed>`, signed)
}

func TestInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathInfo, r.URL.Path)
		_ = json.NewEncoder(w).Encode(KeyInfo{
			Subject:      "CN=TEST",
			Issuer:       "CN=NCA",
			SerialNumber: "42",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	info, err := client.Info(context.Background(), "Y2VydA==", "secret")
	require.NoError(t, err)
	assert.Equal(t, "CN=TEST", info.Subject)
	assert.Equal(t, "42", info.SerialNumber)
}

func TestForwardSelectsPathByKind(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]string{"signature": "s"})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	tests := []struct {
		kind string
		want string
	}{
		{"xml", PathSignXML},
		{"cms", PathSignCMS},
		{"", PathSign},
		{"anything", PathSign},
	}
	for _, tt := range tests {
		_, err := client.Forward(context.Background(), tt.kind, []byte(`{"x":1}`))
		require.NoError(t, err)
		assert.Equal(t, tt.want, gotPath, "kind %q", tt.kind)
	}
}

func TestRetryOnTransientUpstreamFailure(t *testing.T) {
	t.Run("recovers when a 5xx clears up", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				http.Error(w, "warming up", http.StatusBadGateway)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"signature": "c2ln"})
		}))
		defer server.Close()

		client := NewClient(server.URL,
			WithRetryPolicy(reliability.NewIncrementalBackoff(time.Millisecond, 2)))
		sig, err := client.SignData(context.Background(), "ZGF0YQ==", "Y2VydA==", "secret")
		require.NoError(t, err)
		assert.Equal(t, "c2ln", sig)
		assert.Equal(t, 2, calls)
	})

	t.Run("client-side rejection is not retried", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			http.Error(w, "bad certificate", http.StatusBadRequest)
		}))
		defer server.Close()

		client := NewClient(server.URL,
			WithRetryPolicy(reliability.NewIncrementalBackoff(time.Millisecond, 2)))
		_, err := client.SignData(context.Background(), "ZGF0YQ==", "Y2VydA==", "secret")

		var upstreamErr *UpstreamError
		require.ErrorAs(t, err, &upstreamErr)
		assert.False(t, upstreamErr.IsRetryable())
		assert.Equal(t, 1, calls)
	})
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	breaker := reliability.NewCircuitBreaker(
		reliability.WithName("test"),
		reliability.WithFailureThreshold(2),
		reliability.WithOpenTimeout(time.Minute),
	)
	client := NewClient(server.URL, WithBreaker(breaker), WithRetryPolicy(noRetry()))

	for i := 0; i < 2; i++ {
		_, err := client.SignData(context.Background(), "d", "c", "p")
		require.Error(t, err)
	}
	assert.Equal(t, reliability.StateOpen, breaker.GetState())

	_, err := client.SignData(context.Background(), "d", "c", "p")
	var cbErr *reliability.CircuitBreakerError
	assert.ErrorAs(t, err, &cbErr)
}
