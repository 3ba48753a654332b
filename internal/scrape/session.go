package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// ErrAuthFailed is returned when the vendor rejects the configured
// credentials. It is fatal to the whole operation: retrying with the same
// credentials cannot succeed.
var ErrAuthFailed = errors.New("login failed: check credentials")

// Session is the authenticated network capability shared by all fetchers
// within one logical operation. The cookie jar makes it read-mostly and safe
// for concurrent use after Login succeeds.
type Session struct {
	baseURL string
	client  *http.Client
}

// NewSession builds a cookie-persistent session against baseURL with a 30s
// request timeout.
func NewSession(baseURL string) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	return &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
	}, nil
}

// BaseURL returns the vendor base URL without a trailing slash.
func (s *Session) BaseURL() string {
	return s.baseURL
}

// Login authenticates against the vendor. Success heuristic: HTTP 200 and a
// response body containing "logout" (the account menu only renders it for a
// signed-in session).
func (s *Session) Login(ctx context.Context, username, password string) error {
	form := url.Values{
		"frm_login":    {username},
		"frm_password": {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/my/login.html", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting login form: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !strings.Contains(strings.ToLower(string(body)), "logout") {
		return ErrAuthFailed
	}
	return nil
}

// Get issues an authenticated GET for an absolute or vendor-relative URL.
// The caller owns the response body.
func (s *Session) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	if strings.HasPrefix(rawURL, "/") {
		rawURL = s.baseURL + rawURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	return s.client.Do(req)
}

// ChangeFormat switches the delivered karaoke file format for a purchase via
// the vendor's ajax endpoint. With applyall the change covers every purchase
// on the account.
func (s *Session) ChangeFormat(ctx context.Context, dlID, karFormat string) error {
	q := url.Values{
		"dl_id":      {dlID},
		"method":     {"ajax"},
		"kar_format": {karFormat},
		"applyall":   {"on"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/my/changeformat.html?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("building change-format request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", s.baseURL+"/my/download.html")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("changing file format for %s: %w", dlID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("changing file format for %s: unexpected status %d", dlID, resp.StatusCode)
	}
	return nil
}
