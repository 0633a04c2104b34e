package kms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "custodia/pkg/domain-errors"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(ClientConfig{
		BaseURL:       srv.URL,
		APIKey:        "test-key",
		RetryAttempts: 3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	}, slog.Default())
	return client, srv
}

func TestClientEncryptRoundTrip(t *testing.T) {
	var gotAuth string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/v1/encrypt", r.URL.Path)

		var req struct {
			Plaintext string `json:"plaintext"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string]string{"ciphertext": "ct-" + req.Plaintext})
	}))

	ct, err := client.Encrypt(context.Background(), []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, "ct-"+base64.StdEncoding.EncodeToString([]byte("alice")), ct)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"ciphertext": "ct"})
	}))

	ct, err := client.Encrypt(context.Background(), []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, "ct", ct)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.Encrypt(context.Background(), []byte("alice"))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeKeyManagement))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientFailsFastOnClientError(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := client.Sign(context.Background(), []byte("data"), "RSA-4096")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeKeyManagement))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientDecryptRejectsBadEncoding(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"plaintext": "!!! not base64 !!!"})
	}))

	_, err := client.Decrypt(context.Background(), "ct")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeKeyManagement))
}

func TestLocalEncryptDecryptRoundTrip(t *testing.T) {
	local, err := NewLocal("secret")
	require.NoError(t, err)

	ct, err := local.Encrypt(context.Background(), []byte("alice"))
	require.NoError(t, err)
	assert.NotContains(t, ct, "alice")

	pt, err := local.Decrypt(context.Background(), ct)
	require.NoError(t, err)
	assert.Equal(t, "alice", string(pt))

	t.Run("different key cannot decrypt", func(t *testing.T) {
		other, err := NewLocal("other-secret")
		require.NoError(t, err)
		_, err = other.Decrypt(context.Background(), ct)
		require.Error(t, err)
	})

	t.Run("cannot sign", func(t *testing.T) {
		_, err := local.Sign(context.Background(), []byte("data"), "RSA-4096")
		require.Error(t, err)
	})
}
