package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultPollInterval is how often the remote re-polls confirm while
	// the monitor user's decision is pending.
	DefaultPollInterval = time.Second

	// DefaultPollTimeout bounds the whole confirm wait.
	DefaultPollTimeout = 60 * time.Second
)

// Client is the remote-device side of the pairing HTTP exchange. The
// monitor's fingerprint is not yet known at this stage, so the HTTP client
// passed in is expected to accept the monitor's certificate opportunistically;
// the pairing protocol itself authenticates the exchange.
type Client struct {
	http    *http.Client
	baseURL string

	PollInterval time.Duration
	PollTimeout  time.Duration
}

func NewClient(httpClient *http.Client, baseURL string) *Client {
	return &Client{
		http:         httpClient,
		baseURL:      baseURL,
		PollInterval: DefaultPollInterval,
		PollTimeout:  DefaultPollTimeout,
	}
}

// Init posts the remote identity and returns the session handle plus the
// monitor's public key for local code derivation.
func (c *Client) Init(ctx context.Context, req InitWireRequest) (*InitWireResponse, error) {
	var resp InitWireResponse
	if err := c.post(ctx, "/pair/init", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Confirm performs a single confirm poll.
func (c *Client) Confirm(ctx context.Context, req ConfirmWireRequest) (*ConfirmWireResponse, error) {
	var resp ConfirmWireResponse
	if err := c.post(ctx, "/pair/confirm", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RedeemToken performs the one-time-token flow.
func (c *Client) RedeemToken(ctx context.Context, req TokenWireRequest) (*ConfirmWireResponse, error) {
	var resp ConfirmWireResponse
	if err := c.post(ctx, "/pair/token", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PollConfirm polls confirm at PollInterval until the monitor answers with a
// terminal status or PollTimeout elapses. Pending is a legitimate wait
// state; the monitor-side user confirmation is asynchronous.
func (c *Client) PollConfirm(ctx context.Context, req ConfirmWireRequest) (*ConfirmWireResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		resp, err := c.Confirm(ctx, req)
		if err == nil && resp.Status != StatusPending {
			return resp, nil
		}
		if err != nil {
			log.Debug().Err(err).Str("sessionId", req.SessionID).Msg("confirm poll attempt failed")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pairing confirmation timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s (%s)", path, apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", path, resp.StatusCode, err)
	}
	return nil
}
