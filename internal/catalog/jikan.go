package catalog

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

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultJikanBaseURL = "https://api.jikan.moe/v4"

	defaultJikanTimeout = 10 * time.Second
	defaultMaxRetries   = 3
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 8 * time.Second
	maxErrorBodyBytes   = 2048
)

var (
	// ErrSourceItemNotFound indicates the catalog source does not know the item.
	ErrSourceItemNotFound = errors.New("catalog: item not found at source")
	// ErrSourceRequestFailed indicates the catalog source could not be reached or answered with an error.
	ErrSourceRequestFailed = errors.New("catalog: source request failed")
)

// Source supplies item metadata on demand.
type Source interface {
	FetchItem(ctx context.Context, externalID int64) (ItemRef, error)
	Search(ctx context.Context, query string) ([]ItemRef, error)
}

// JikanClientConfig configures the Jikan API client.
type JikanClientConfig struct {
	BaseURL      string
	HTTPClient   *http.Client
	Timeout      time.Duration
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Recorder
}

// JikanClient reads anime metadata from the Jikan REST API.
type JikanClient struct {
	baseURL      string
	httpClient   *http.Client
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	logger       *zap.Logger
	metrics      *metrics.Recorder
}

// NewJikanClient constructs a client with defaults applied.
func NewJikanClient(cfg JikanClientConfig) *JikanClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultJikanBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultJikanTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	initialDelay := cfg.InitialDelay
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JikanClient{
		baseURL:      baseURL,
		httpClient:   httpClient,
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		logger:       logger,
		metrics:      cfg.Metrics,
	}
}

type jikanItem struct {
	MalID    int64  `json:"mal_id"`
	Title    string `json:"title"`
	Synopsis string `json:"synopsis"`
	Year     *int   `json:"year"`
	Images   struct {
		JPG struct {
			LargeImageURL string `json:"large_image_url"`
		} `json:"jpg"`
	} `json:"images"`
}

func (item jikanItem) toItemRef() ItemRef {
	ref := ItemRef{
		ExternalID: item.MalID,
		Title:      item.Title,
		Synopsis:   item.Synopsis,
		CoverImage: item.Images.JPG.LargeImageURL,
	}
	if item.Year != nil {
		ref.Year = *item.Year
	}
	return ref
}

// FetchItem loads a single anime by MyAnimeList id.
func (c *JikanClient) FetchItem(ctx context.Context, externalID int64) (ItemRef, error) {
	if externalID <= 0 {
		return ItemRef{}, fmt.Errorf("%w: %d", ErrInvalidItemRef, externalID)
	}
	var payload struct {
		Data *jikanItem `json:"data"`
	}
	endpoint := "/anime/" + strconv.FormatInt(externalID, 10) + "/full"
	if err := c.doRequest(ctx, endpoint, nil, &payload); err != nil {
		c.metrics.ObserveCatalogFetch(metrics.OutcomeFailure)
		return ItemRef{}, err
	}
	if payload.Data == nil || payload.Data.MalID == 0 {
		c.metrics.ObserveCatalogFetch(metrics.OutcomeFailure)
		return ItemRef{}, fmt.Errorf("%w: %d", ErrSourceItemNotFound, externalID)
	}
	c.metrics.ObserveCatalogFetch(metrics.OutcomeSuccess)
	return payload.Data.toItemRef(), nil
}

// Search returns anime whose title matches query.
func (c *JikanClient) Search(ctx context.Context, query string) ([]ItemRef, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	var payload struct {
		Data []jikanItem `json:"data"`
	}
	if err := c.doRequest(ctx, "/anime", url.Values{"q": []string{query}}, &payload); err != nil {
		return nil, err
	}
	results := make([]ItemRef, 0, len(payload.Data))
	for _, item := range payload.Data {
		results = append(results, item.toItemRef())
	}
	return results, nil
}

func (c *JikanClient) doRequest(ctx context.Context, endpoint string, params url.Values, result interface{}) error {
	fullURL := c.baseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	delay := c.initialDelay
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("catalog request retry",
				zap.String("url", fullURL),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := sleepContext(ctx, delay); err != nil {
				return fmt.Errorf("%w: %v", ErrSourceRequestFailed, err)
			}
			delay = minDuration(delay*2, c.maxDelay)
		}

		retry, err := c.attempt(ctx, fullURL, result)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return fmt.Errorf("%w: after %d attempts: %v", ErrSourceRequestFailed, c.maxRetries+1, lastErr)
}

func (c *JikanClient) attempt(ctx context.Context, fullURL string, result interface{}) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSourceRequestFailed, err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", "anirate/1.0")

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("%w: %v", ErrSourceRequestFailed, ctx.Err())
		}
		return true, fmt.Errorf("%w: %v", ErrSourceRequestFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return false, ErrSourceItemNotFound
	}
	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		err := fmt.Errorf("%w: http %d: %s", ErrSourceRequestFailed, response.StatusCode, strings.TrimSpace(string(body)))
		return shouldRetry(response.StatusCode), err
	}

	if err := json.NewDecoder(response.Body).Decode(result); err != nil {
		return false, fmt.Errorf("%w: decode: %v", ErrSourceRequestFailed, err)
	}
	return false, nil
}

func shouldRetry(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
