package upstream

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

	"github.com/MarcoPoloResearchLab/followcrm/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PageSize is the number of accounts requested per page. A page this full is
// treated as evidence that more pages exist even when the upstream flag says
// otherwise.
const PageSize = 200

const (
	defaultBaseURL     = "https://api.twitterapi.io"
	defaultTimeout     = 30 * time.Second
	followingsPath     = "/twitter/user/followings"
	apiKeyHeader       = "X-API-Key"
	upstreamStatusFail = "error"
	maxErrorBodyBytes  = 4 << 10
)

var (
	ErrHandleNotFound = errors.New("upstream: handle could not be resolved")
	ErrMissingAPIKey  = errors.New("upstream: api key is required")
	errMissingHandle  = errors.New("upstream: handle is required")
)

// StatusError reports a non-success HTTP status from the follow-list source.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream: status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, e.Body)
}

// Account is one followed account as returned by the follow-list source.
type Account struct {
	ID              string
	Handle          string
	DisplayName     string
	ProfileImageURL string
	Bio             string
	Location        string
	FollowersCount  int64
	FollowingCount  int64
	Verified        bool
	IsBlueVerified  bool
	VerifiedType    string
	CreatedAt       string
}

// Page is a single page of followings plus pagination state.
type Page struct {
	Accounts    []Account
	HasNextPage bool
	NextCursor  string
}

// ClientConfig configures the follow-list client.
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client fetches follow lists from a twitterapi.io compatible endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient validates configuration and constructs a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}, nil
}

type followingsResponse struct {
	Followings  []accountPayload `json:"followings"`
	HasNextPage bool             `json:"has_next_page"`
	NextCursor  string           `json:"next_cursor"`
	Status      string           `json:"status"`
	Message     string           `json:"message"`
	Msg         string           `json:"msg"`
}

type accountPayload struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	ScreenName           string `json:"screen_name"`
	UserName             string `json:"userName"`
	Description          string `json:"description"`
	Location             string `json:"location"`
	FollowersCount       int64  `json:"followers_count"`
	FollowingCount       int64  `json:"following_count"`
	Verified             bool   `json:"verified"`
	IsBlueVerified       bool   `json:"is_blue_verified"`
	IsBlueVerifiedCamel  bool   `json:"isBlueVerified"`
	VerifiedType         string `json:"verified_type"`
	ProfileImageURLHTTPS string `json:"profile_image_url_https"`
	ProfilePicture       string `json:"profilePicture"`
	CreatedAt            string `json:"created_at"`
}

func (p accountPayload) toAccount() Account {
	handle := p.ScreenName
	if handle == "" {
		handle = p.UserName
	}
	image := p.ProfileImageURLHTTPS
	if image == "" {
		image = p.ProfilePicture
	}
	return Account{
		ID:              p.ID,
		Handle:          handle,
		DisplayName:     p.Name,
		ProfileImageURL: image,
		Bio:             p.Description,
		Location:        p.Location,
		FollowersCount:  p.FollowersCount,
		FollowingCount:  p.FollowingCount,
		Verified:        p.Verified,
		IsBlueVerified:  p.IsBlueVerified || p.IsBlueVerifiedCamel,
		VerifiedType:    p.VerifiedType,
		CreatedAt:       p.CreatedAt,
	}
}

// FetchFollowingsPage fetches one page of the accounts followed by handle.
// An empty cursor requests the first page.
func (c *Client) FetchFollowingsPage(ctx context.Context, handle, cursor string) (Page, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return Page{}, errMissingHandle
	}

	query := url.Values{}
	query.Set("userName", handle)
	query.Set("cursor", cursor)
	query.Set("pageSize", strconv.Itoa(PageSize))
	endpoint := c.baseURL + followingsPath + "?" + query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, err
	}
	request.Header.Set(apiKeyHeader, c.apiKey)
	request.Header.Set("Accept", "application/json")

	if err := c.limiter.Wait(ctx); err != nil {
		return Page{}, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		metrics.IncUpstreamRequest(0)
		return Page{}, fmt.Errorf("upstream: request failed: %w", err)
	}
	defer response.Body.Close()
	metrics.IncUpstreamRequest(response.StatusCode)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		c.logger.Warn("upstream returned non-success status",
			zap.String("handle", handle),
			zap.Int("status", response.StatusCode))
		return Page{}, &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload followingsResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return Page{}, fmt.Errorf("upstream: decode followings: %w", err)
	}
	if strings.EqualFold(payload.Status, upstreamStatusFail) {
		message := payload.Message
		if message == "" {
			message = payload.Msg
		}
		return Page{}, fmt.Errorf("%w: %s", ErrHandleNotFound, message)
	}

	page := Page{
		Accounts:    make([]Account, 0, len(payload.Followings)),
		HasNextPage: payload.HasNextPage,
		NextCursor:  payload.NextCursor,
	}
	for _, account := range payload.Followings {
		page.Accounts = append(page.Accounts, account.toAccount())
	}
	return page, nil
}
