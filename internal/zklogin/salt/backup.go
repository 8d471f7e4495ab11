package salt

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

	"github.com/google/uuid"

	"zkauth/go-backend/internal/platform/ratelimiter"
)

var ErrBackupThrottled = errors.New("salt backup throttled for subject")

// Notifier delivers the salt to the user out of band for disaster recovery.
// Delivery is best effort: the login flow logs and swallows any failure here,
// and a per-subject limiter keeps a looping caller from spamming the user.
type Notifier struct {
	endpoint string
	http     *http.Client
	limiter  *ratelimiter.Keyed
	logger   *slog.Logger
	now      func() time.Time
}

func NewNotifier(endpoint string, httpClient *http.Client, limiter *ratelimiter.Keyed, logger *slog.Logger) *Notifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     httpClient,
		limiter:  limiter,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type backupRequest struct {
	UserSub        string `json:"userSub"`
	UserEmail      string `json:"userEmail,omitempty"`
	UserSalt       string `json:"userSalt"`
	RecoveryPhrase string `json:"recoveryPhrase,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

type backupResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	UserSub   string `json:"userSub"`
	Timestamp int64  `json:"timestamp"`
}

// Notify posts the backup payload. The caller decides whether to run it in
// the background; either way its error never fails a login.
func (n *Notifier) Notify(ctx context.Context, subject, email, saltValue string) error {
	if n.endpoint == "" {
		return nil
	}
	if !n.limiter.Allow(subject, n.now()) {
		return fmt.Errorf("%w: %s", ErrBackupThrottled, "rate limit")
	}

	payload := backupRequest{
		UserSub:   subject,
		UserEmail: email,
		UserSalt:  saltValue,
		Timestamp: n.now().UnixMilli(),
	}
	if phrase, err := Phrase(saltValue); err == nil {
		payload.RecoveryPhrase = phrase
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint+"/email-salt-backup", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backup endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var parsed backupResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("backup endpoint response: %v", err)
	}
	if !parsed.Success {
		return fmt.Errorf("backup endpoint rejected: %s", parsed.Message)
	}
	n.logger.Info("salt backup delivered", slog.String("sub", subject))
	return nil
}
