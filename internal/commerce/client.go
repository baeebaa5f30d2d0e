package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAPIVersion      = "2024-01"
	defaultPageSize        = 250
	defaultRetryAfter      = time.Second
	maxRetryAfter          = 5 * time.Minute
	maxResponseBodyBytes   = 32 << 20
	accessTokenHeader      = "X-Shopify-Access-Token"
	queryLimit             = "limit"
	queryPageInfo          = "page_info"
	queryStatus            = "status"
	queryName              = "name"
	queryCreatedAtMin      = "created_at_min"
	queryCreatedAtMax      = "created_at_max"
	errorBodySnippetLength = 256
)

var (
	// ErrInvalidClientConfig indicates the client cannot be constructed.
	ErrInvalidClientConfig = errors.New("commerce: invalid client config")
	// ErrUpstreamUnavailable wraps transport failures and non-2xx responses.
	ErrUpstreamUnavailable = errors.New("commerce: upstream unavailable")
	// ErrRateLimited indicates throttling persisted past the retry budget.
	ErrRateLimited = errors.New("commerce: rate limit retries exhausted")
	// ErrOrderNotFound indicates the detail lookup returned 404.
	ErrOrderNotFound = errors.New("commerce: order not found")
)

// StatusError reports a non-2xx response other than 429.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("commerce: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUpstreamUnavailable
}

// FetchError aborts a paginated fetch. Partial holds the orders accumulated
// before the failing page; callers decide whether a truncated set is usable.
type FetchError struct {
	Page    int
	Partial []Order
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("commerce: fetch orders page %d: %v", e.Page, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// RateLimitPolicy bounds 429 handling. MaxRetries of zero retries forever.
type RateLimitPolicy struct {
	MaxRetries   int
	DefaultDelay time.Duration
}

// ClientConfig configures the upstream order API client.
type ClientConfig struct {
	BaseURL     string
	AccessToken string
	APIVersion  string
	PageSize    int
	RateLimit   RateLimitPolicy
	HTTPClient  *http.Client
	Logger      *zap.Logger
	Clock       func() time.Time
	Sleep       func(ctx context.Context, delay time.Duration) error
}

// FetchOptions filter the first page of an order listing.
type FetchOptions struct {
	CreatedAtMin *time.Time
	CreatedAtMax *time.Time
	Status       string
	Name         string
	MaxTotal     int
}

// Client talks to the upstream commerce REST API.
type Client struct {
	baseURL     string
	accessToken string
	apiVersion  string
	pageSize    int
	rateLimit   RateLimitPolicy
	httpClient  *http.Client
	logger      *zap.Logger
	clock       func() time.Time
	sleep       func(ctx context.Context, delay time.Duration) error
}

// NewClient validates configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url required", ErrInvalidClientConfig)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	apiVersion := strings.TrimSpace(cfg.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	rateLimit := cfg.RateLimit
	if rateLimit.DefaultDelay <= 0 {
		rateLimit.DefaultDelay = defaultRetryAfter
	}
	if rateLimit.MaxRetries < 0 {
		rateLimit.MaxRetries = 0
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: cfg.AccessToken,
		apiVersion:  apiVersion,
		pageSize:    pageSize,
		rateLimit:   rateLimit,
		httpClient:  httpClient,
		logger:      logger,
		clock:       clock,
		sleep:       sleep,
	}, nil
}

// FetchOrders pages through the order listing. Filters are only sent with the
// first page: the upstream rejects them alongside a page_info cursor.
func (c *Client) FetchOrders(ctx context.Context, opts FetchOptions) ([]Order, error) {
	nextURL := c.endpoint("orders.json") + "?" + c.firstPageQuery(opts).Encode()
	orders := make([]Order, 0, c.pageSize)

	for page := 1; ; page++ {
		body, header, err := c.get(ctx, nextURL)
		if err != nil {
			return nil, &FetchError{Page: page, Partial: orders, Err: err}
		}

		var envelope struct {
			Orders []Order `json:"orders"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, &FetchError{Page: page, Partial: orders, Err: fmt.Errorf("%w: decode page: %v", ErrUpstreamUnavailable, err)}
		}

		pageOrders := envelope.Orders
		if opts.MaxTotal > 0 && len(orders)+len(pageOrders) >= opts.MaxTotal {
			orders = append(orders, pageOrders[:opts.MaxTotal-len(orders)]...)
			c.logger.Debug("order fetch truncated at max total",
				zap.Int("page", page),
				zap.Int("max_total", opts.MaxTotal))
			return orders, nil
		}
		orders = append(orders, pageOrders...)

		if len(pageOrders) < c.pageSize {
			return orders, nil
		}
		cursor := nextPageInfo(header.Get("Link"))
		if cursor == "" {
			return orders, nil
		}
		query := url.Values{}
		query.Set(queryLimit, strconv.Itoa(c.pageSize))
		query.Set(queryPageInfo, cursor)
		nextURL = c.endpoint("orders.json") + "?" + query.Encode()
	}
}

// FetchOrder loads a single order by its upstream identifier.
func (c *Client) FetchOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, ErrOrderNotFound
	}
	body, _, err := c.get(ctx, c.endpoint("orders/"+url.PathEscape(orderID)+".json"))
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return Order{}, err
	}
	var envelope struct {
		Order *Order `json:"order"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Order{}, fmt.Errorf("%w: decode order: %v", ErrUpstreamUnavailable, err)
	}
	if envelope.Order == nil {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return *envelope.Order, nil
}

func (c *Client) firstPageQuery(opts FetchOptions) url.Values {
	query := url.Values{}
	query.Set(queryLimit, strconv.Itoa(c.pageSize))
	if status := strings.TrimSpace(opts.Status); status != "" {
		query.Set(queryStatus, status)
	}
	if name := strings.TrimSpace(opts.Name); name != "" {
		query.Set(queryName, name)
	}
	if opts.CreatedAtMin != nil {
		query.Set(queryCreatedAtMin, opts.CreatedAtMin.UTC().Format(time.RFC3339))
	}
	if opts.CreatedAtMax != nil {
		query.Set(queryCreatedAtMax, opts.CreatedAtMax.UTC().Format(time.RFC3339))
	}
	return query
}

func (c *Client) endpoint(resource string) string {
	return fmt.Sprintf("%s/admin/api/%s/%s", c.baseURL, c.apiVersion, resource)
}

// get performs a GET, sleeping and retrying the same URL on 429.
func (c *Client) get(ctx context.Context, target string) ([]byte, http.Header, error) {
	retries := 0
	for {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
		if err != nil {
			return nil, nil, err
		}
		request.Header.Set("Accept", "application/json")
		if c.accessToken != "" {
			request.Header.Set(accessTokenHeader, c.accessToken)
		}

		response, err := c.httpClient.Do(request)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes))
		_ = response.Body.Close()

		if response.StatusCode == http.StatusTooManyRequests {
			if c.rateLimit.MaxRetries > 0 && retries >= c.rateLimit.MaxRetries {
				return nil, nil, fmt.Errorf("%w: after %d retries", ErrRateLimited, retries)
			}
			retries++
			delay := c.retryAfter(response.Header.Get("Retry-After"))
			c.logger.Info("upstream rate limited",
				zap.Duration("retry_after", delay),
				zap.Int("attempt", retries))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, nil, err
			}
			continue
		}
		if readErr != nil {
			return nil, nil, fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, readErr)
		}
		if response.StatusCode < 200 || response.StatusCode > 299 {
			return nil, nil, &StatusError{StatusCode: response.StatusCode, Body: snippet(body)}
		}
		return body, response.Header, nil
	}
}

// retryAfter parses delta-seconds (fractions allowed) or an HTTP date. Values
// that are not finite fall back to the default delay; long ones are capped at
// maxRetryAfter.
func (c *Client) retryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return c.rateLimit.DefaultDelay
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
			return c.rateLimit.DefaultDelay
		}
		if seconds >= maxRetryAfter.Seconds() {
			return maxRetryAfter
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		delay := at.Sub(c.clock())
		switch {
		case delay <= 0:
			return 0
		case delay > maxRetryAfter:
			return maxRetryAfter
		default:
			return delay
		}
	}
	return c.rateLimit.DefaultDelay
}

// nextPageInfo extracts the page_info cursor of the rel="next" Link entry.
func nextPageInfo(linkHeader string) string {
	for _, part := range strings.Split(linkHeader, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		isNext := false
		for _, param := range segments[1:] {
			if strings.EqualFold(strings.ReplaceAll(strings.TrimSpace(param), " ", ""), `rel="next"`) {
				isNext = true
				break
			}
		}
		if !isNext {
			continue
		}
		rawURL := strings.Trim(strings.TrimSpace(segments[0]), "<>")
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return ""
		}
		return parsed.Query().Get(queryPageInfo)
	}
	return ""
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > errorBodySnippetLength {
		return text[:errorBodySnippetLength]
	}
	return text
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
