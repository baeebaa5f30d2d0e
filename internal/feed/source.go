package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	realtimeCheckPath    = "/card-states/realtime-check"
	defaultCookieName    = "app_session"
	defaultSourceTimeout = 10 * time.Second
	maxErrorBodyBytes    = 512
)

var (
	// ErrUnexpectedStatus indicates a non-2xx change window response.
	ErrUnexpectedStatus = errors.New("feed: unexpected status")
	errMissingBaseURL   = errors.New("feed: base url is required")
)

// HTTPSourceConfig configures an HTTPChangeSource.
type HTTPSourceConfig struct {
	BaseURL      string
	SessionToken string
	CookieName   string
	Window       time.Duration
	HTTPClient   *http.Client
}

// HTTPChangeSource reads the change window from a running API.
type HTTPChangeSource struct {
	endpoint     string
	sessionToken string
	cookieName   string
	client       *http.Client
}

// NewHTTPChangeSource builds a source for cfg.BaseURL.
func NewHTTPChangeSource(cfg HTTPSourceConfig) (*HTTPChangeSource, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	endpoint, err := url.Parse(base + realtimeCheckPath)
	if err != nil {
		return nil, fmt.Errorf("feed: parse base url: %w", err)
	}
	if cfg.Window > 0 {
		query := endpoint.Query()
		query.Set("window", strconv.Itoa(int(cfg.Window/time.Second)))
		endpoint.RawQuery = query.Encode()
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultCookieName
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultSourceTimeout}
	}
	return &HTTPChangeSource{
		endpoint:     endpoint.String(),
		sessionToken: cfg.SessionToken,
		cookieName:   cookieName,
		client:       client,
	}, nil
}

// FetchChanges performs one GET of the change window.
func (s *HTTPChangeSource) FetchChanges(ctx context.Context) (Batch, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Batch{}, err
	}
	request.Header.Set("Accept", "application/json")
	if s.sessionToken != "" {
		request.AddCookie(&http.Cookie{Name: s.cookieName, Value: s.sessionToken})
	}
	response, err := s.client.Do(request)
	if err != nil {
		return Batch{}, err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return Batch{}, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, response.StatusCode, strings.TrimSpace(string(body)))
	}
	var batch Batch
	if err := json.NewDecoder(response.Body).Decode(&batch); err != nil {
		return Batch{}, fmt.Errorf("feed: decode change window: %w", err)
	}
	return batch, nil
}
