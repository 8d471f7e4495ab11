// Package epoch exposes the ledger's current epoch. The value bounds session
// validity, so it is fetched live: callers must not cache it beyond a single
// login attempt or signing decision.
package epoch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrEpochUnavailable = errors.New("current epoch unavailable")

// State mirrors the ledger's epoch endpoint response.
type State struct {
	Epoch                 uint64 `json:"epoch"`
	EpochDurationMs       uint64 `json:"epochDurationMs"`
	EpochStartTimestampMs uint64 `json:"epochStartTimestampMs"`
}

// Oracle yields the live ledger epoch.
type Oracle interface {
	Current(ctx context.Context) (State, error)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) Current(ctx context.Context) (State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/epoch", nil)
	if err != nil {
		return State{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrEpochUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return State{}, fmt.Errorf("%w: reading response: %v", ErrEpochUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return State{}, fmt.Errorf("%w: status %d: %s", ErrEpochUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("%w: decoding response: %v", ErrEpochUnavailable, err)
	}
	return state, nil
}
