package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrAuthorityUnreachable means the remote authority could not be reached.
var ErrAuthorityUnreachable = errors.New("license authority unreachable")

// VerifyRequest is the body of POST /api/licenses/verify.
type VerifyRequest struct {
	License  *SignedLicense `json:"license"`
	DeviceID string         `json:"device_id"`
}

// Client talks to a remote license authority. Pass an http.Client whose
// transport retries, such as resilient.NewClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	keys singleflight.Group
}

// NewClient creates a client for the authority at baseURL.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "license.client")),
		now:        time.Now,
	}
}

// Verify asks the authority to verify signed for deviceID.
func (c *Client) Verify(ctx context.Context, signed *SignedLicense, deviceID string) (*Result, error) {
	body, err := json.Marshal(VerifyRequest{License: signed, DeviceID: deviceID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/licenses/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var result Result
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TrustedKeys fetches the authority's trusted issuer keys. Concurrent
// callers share one in-flight request. The shared request is detached from
// any single caller's cancellation and is bounded by the http.Client
// timeout; each caller still returns as soon as its own ctx is done.
func (c *Client) TrustedKeys(ctx context.Context) ([]TrustedKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := c.keys.DoChan("keys", func() (any, error) {
		req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, c.baseURL+"/api/licenses/keys", nil)
		if err != nil {
			return nil, err
		}
		var keys []TrustedKey
		if err := c.do(req, &keys); err != nil {
			return nil, err
		}
		return keys, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]TrustedKey), nil
	}
}

// VerifyWithFallback verifies against the authority, falling back to local
// offline verification when the authority is unreachable. Verification
// failures reported by the authority are returned as-is.
func (c *Client) VerifyWithFallback(ctx context.Context, signed *SignedLicense, trusted TrustedKeys, deviceID string) (*Result, error) {
	result, err := c.Verify(ctx, signed, deviceID)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, ErrAuthorityUnreachable) {
		return nil, err
	}

	c.logger.WarnContext(ctx, "Authority unreachable, verifying offline", slog.String("error", err.Error()))
	return Verify(signed, trusted, deviceID, c.now(), Offline())
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrAuthorityUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthorityUnreachable, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d", ErrAuthorityUnreachable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var apiErr ErrResponse
		if json.Unmarshal(data, &apiErr) == nil {
			if sentinel := ErrorFromCode(apiErr.AppCode); sentinel != nil {
				return newVerificationError(sentinel, "reported by authority")
			}
		}
		return fmt.Errorf("authority rejected request: status %d: %s", resp.StatusCode, apiErr.ErrorText)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid authority response: %w", err)
	}
	return nil
}
