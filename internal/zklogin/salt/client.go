package salt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"zkauth/go-backend/internal/zklogin/token"
)

// Client resolves salts from a remote salt service. The service authorizes
// the lookup by the presented token, so the raw token is the request body.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

type saltRequest struct {
	Token string `json:"token"`
}

type saltResponse struct {
	Salt string `json:"salt"`
}

type saltErrorBody struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func (c *Client) GetOrCreate(ctx context.Context, rawToken string, _ token.Claims) (string, error) {
	body, err := json.Marshal(saltRequest{Token: rawToken})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/salt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSaltService, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<18))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrSaltService, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrSaltService, resp.StatusCode, describeError(raw))
	}

	var parsed saltResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrSaltService, err)
	}
	if strings.TrimSpace(parsed.Salt) == "" {
		return "", fmt.Errorf("%w: response has empty salt", ErrSaltService)
	}
	return strings.TrimSpace(parsed.Salt), nil
}

// describeError unwraps the service's {error, details} body. Details may
// itself be a JSON-encoded error object; nested parsing is attempted and the
// raw text is the fallback.
func describeError(raw []byte) string {
	var body saltErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return strings.TrimSpace(string(raw))
	}
	out := body.Error
	if detail := describeDetails(body.Details); detail != "" {
		out += ": " + detail
	}
	return out
}

func describeDetails(details json.RawMessage) string {
	if len(details) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(details, &asString); err == nil {
		var nested saltErrorBody
		if err := json.Unmarshal([]byte(asString), &nested); err == nil && nested.Error != "" {
			out := nested.Error
			if inner := describeDetails(nested.Details); inner != "" {
				out += ": " + inner
			}
			return out
		}
		return strings.TrimSpace(asString)
	}
	var nested saltErrorBody
	if err := json.Unmarshal(details, &nested); err == nil && nested.Error != "" {
		out := nested.Error
		if inner := describeDetails(nested.Details); inner != "" {
			out += ": " + inner
		}
		return out
	}
	return strings.TrimSpace(string(details))
}
