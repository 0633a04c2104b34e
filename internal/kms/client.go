package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	dErrors "custodia/pkg/domain-errors"
)

// ClientConfig tunes the HTTP client and its bounded retry.
type ClientConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RetryAttempts int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
}

func (c *ClientConfig) withDefaults() ClientConfig {
	cfg := *c
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	return cfg
}

// Client talks to the key-management collaborator over HTTP. Transient
// failures (network errors, 429, 5xx) are retried with exponential backoff up
// to the configured attempt count, then surfaced as CodeKeyManagement.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type encryptRequest struct {
	Plaintext string `json:"plaintext"`
}

type encryptResponse struct {
	Ciphertext string `json:"ciphertext"`
}

type decryptRequest struct {
	Ciphertext string `json:"ciphertext"`
}

type decryptResponse struct {
	Plaintext string `json:"plaintext"`
}

type signRequest struct {
	Data      string `json:"data"`
	Algorithm string `json:"algorithm"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

type verifyRequest struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
	Algorithm string `json:"algorithm"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func (c *Client) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	var resp encryptResponse
	req := encryptRequest{Plaintext: base64.StdEncoding.EncodeToString(plaintext)}
	if err := c.post(ctx, "/v1/encrypt", req, &resp); err != nil {
		return "", err
	}
	if resp.Ciphertext == "" {
		return "", dErrors.New(dErrors.CodeKeyManagement, "collaborator returned empty ciphertext")
	}
	return resp.Ciphertext, nil
}

func (c *Client) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	var resp decryptResponse
	if err := c.post(ctx, "/v1/decrypt", decryptRequest{Ciphertext: ciphertext}, &resp); err != nil {
		return nil, err
	}
	plaintext, err := base64.StdEncoding.DecodeString(resp.Plaintext)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeKeyManagement, "collaborator returned invalid plaintext encoding")
	}
	return plaintext, nil
}

func (c *Client) Sign(ctx context.Context, data []byte, algorithm string) (string, error) {
	var resp signResponse
	req := signRequest{Data: base64.StdEncoding.EncodeToString(data), Algorithm: algorithm}
	if err := c.post(ctx, "/v1/sign", req, &resp); err != nil {
		return "", err
	}
	if resp.Signature == "" {
		return "", dErrors.New(dErrors.CodeKeyManagement, "collaborator returned empty signature")
	}
	return resp.Signature, nil
}

func (c *Client) Verify(ctx context.Context, data []byte, signature string, algorithm string) (bool, error) {
	var resp verifyResponse
	req := verifyRequest{
		Data:      base64.StdEncoding.EncodeToString(data),
		Signature: signature,
		Algorithm: algorithm,
	}
	if err := c.post(ctx, "/v1/verify", req, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// post sends one logical request with bounded retry. Retries only cover
// transient failures; a 4xx other than 429 fails immediately.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeKeyManagement, "encode request for "+path)
	}

	delay := c.cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return dErrors.Wrap(ctx.Err(), dErrors.CodeKeyManagement, "key-management call cancelled")
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.cfg.MaxDelay {
				delay = c.cfg.MaxDelay
			}
		}

		retryable, err := c.attempt(ctx, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return dErrors.Wrap(err, dErrors.CodeKeyManagement, "key-management call failed")
		}
		c.logger.WarnContext(ctx, "key-management call failed, will retry",
			"path", path, "attempt", attempt, "error", err)
	}

	return dErrors.Wrap(lastErr, dErrors.CodeKeyManagement,
		fmt.Sprintf("key-management call exhausted %d attempts", c.cfg.RetryAttempts))
}

func (c *Client) attempt(ctx context.Context, path string, body []byte, out any) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return true, fmt.Errorf("collaborator returned status %d", resp.StatusCode)
	default:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return false, fmt.Errorf("collaborator returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}
