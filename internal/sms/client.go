// Package sms talks to the Twilio Messaging REST API and verifies the
// webhooks Twilio posts back.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/slot-backfill/internal/notifier"
)

const defaultBaseURL = "https://api.twilio.com"

type Credentials struct {
	AccountSID string
	AuthToken  string
}

// Client sends texts through Twilio. It implements notifier.Sender.
type Client struct {
	hc    *http.Client
	creds Credentials

	// From or MessagingService selects the sender; MessagingService wins.
	From             string
	MessagingService string
	// StatusCallback, when set, is where Twilio reports delivery status.
	StatusCallback string
	// BaseURL overrides the API host, e.g. for tests.
	BaseURL string
}

func New(creds Credentials) *Client {
	return &Client{
		hc:      &http.Client{Timeout: 10 * time.Second},
		creds:   creds,
		BaseURL: defaultBaseURL,
	}
}

type messageResponse struct {
	SID       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
}

type errorResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

// Send posts one message and returns its Twilio SID. Client errors (4xx) are
// wrapped in notifier.PermanentError since repeating them cannot succeed; 429
// and 5xx are left retryable.
func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("Body", body)
	if c.MessagingService != "" {
		form.Set("MessagingServiceSid", c.MessagingService)
	} else {
		form.Set("From", c.From)
	}
	if c.StatusCallback != "" {
		form.Set("StatusCallback", c.StatusCallback)
	}

	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", url.PathEscape(c.creds.AccountSID))
	status, respBody, err := c.do(ctx, http.MethodPost, path, "application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil {
		return "", err
	}
	if status >= 400 {
		var e errorResponse
		_ = json.Unmarshal(respBody, &e)
		err := fmt.Errorf("twilio send failed (status=%d code=%d): %s", status, e.Code, e.Message)
		if status < 500 && status != http.StatusTooManyRequests {
			return "", &notifier.PermanentError{Err: err}
		}
		return "", err
	}
	var m messageResponse
	if err := json.Unmarshal(respBody, &m); err != nil {
		return "", fmt.Errorf("twilio send: decode response: %w", err)
	}
	if m.SID == "" {
		return "", fmt.Errorf("twilio send: response without sid")
	}
	return m.SID, nil
}

// Ping checks the credentials by fetching the account resource.
func (c *Client) Ping(ctx context.Context) error {
	path := fmt.Sprintf("/2010-04-01/Accounts/%s.json", url.PathEscape(c.creds.AccountSID))
	status, body, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		var e errorResponse
		_ = json.Unmarshal(body, &e)
		if e.Message != "" {
			return fmt.Errorf("twilio ping failed: %s (status=%d)", e.Message, status)
		}
		return fmt.Errorf("twilio ping failed (status=%d)", status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) (int, []byte, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth(c.creds.AccountSID, c.creds.AuthToken)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}
