package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wallet-insights/internal/circuitbreaker"
	"github.com/wallet-insights/internal/config"
	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/metrics"
	"github.com/wallet-insights/internal/models"
)

const indexerName = "indexer"

// IndexerClient fetches raw wallet transactions from the indexing subsystem.
// Every request is paced by a token bucket, bounded by a timeout and guarded
// by a circuit breaker.
type IndexerClient struct {
	baseURL  string
	client   *http.Client
	timeout  time.Duration
	limiter  *rate.Limiter
	breaker  *circuitbreaker.CircuitBreaker
	pacer    RequestPacer
	pageSize int
}

// RequestPacer admits one request against a budget shared with other processes
type RequestPacer interface {
	Wait(ctx context.Context) error
}

// indexerPage is one page of the indexer's transaction listing
type indexerPage struct {
	Transactions []*models.RawTransaction `json:"transactions"`
	NextCursor   string                   `json:"nextCursor,omitempty"`
}

// NewIndexerClient creates a client for the configured indexer
func NewIndexerClient(cfg *config.UpstreamConfig) *IndexerClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	breakerCfg := circuitbreaker.DefaultConfig(indexerName)
	breakerCfg.OnStateChange = func(name string, state circuitbreaker.State) {
		metrics.SetCircuitState(name, string(state))
	}
	// an unknown wallet is an answer, not an outage
	breakerCfg.IsFailure = func(err error) bool { return !apperrors.IsNotFound(err) }
	return &IndexerClient{
		baseURL:  strings.TrimRight(cfg.IndexerURL, "/"),
		client:   &http.Client{Timeout: cfg.Timeout + time.Second},
		timeout:  cfg.Timeout,
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		breaker:  circuitbreaker.NewCircuitBreaker(breakerCfg),
		pageSize: 500,
	}
}

// WithPacer makes every request also wait for p before it is sent
func (c *IndexerClient) WithPacer(p RequestPacer) *IndexerClient {
	c.pacer = p
	return c
}

// FetchTransactions returns the wallet's raw transactions after since (all
// when nil), following pagination until the indexer reports no more pages
func (c *IndexerClient) FetchTransactions(ctx context.Context, walletID string, since *time.Time) ([]*models.RawTransaction, error) {
	var all []*models.RawTransaction
	cursor := ""
	for {
		page, err := c.fetchPage(ctx, walletID, since, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Transactions...)
		if page.NextCursor == "" || len(page.Transactions) == 0 {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func (c *IndexerClient) fetchPage(ctx context.Context, walletID string, since *time.Time, cursor string) (*indexerPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewUpstreamUnavailableError(indexerName, err)
	}
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, apperrors.NewUpstreamUnavailableError(indexerName, err)
		}
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", c.pageSize))
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("%s/v1/wallets/%s/transactions?%s", c.baseURL, url.PathEscape(walletID), q.Encode())

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var page indexerPage
	err := c.breaker.Execute(reqCtx, func() error {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return apperrors.NewNotFoundError("wallet", walletID)
		case resp.StatusCode >= 300:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("indexer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return fmt.Errorf("failed to decode indexer response: %w", err)
		}
		return nil
	})
	metrics.RecordUpstream(indexerName, err)

	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, err
		}
		return nil, apperrors.NewUpstreamUnavailableError(indexerName, err)
	}
	return &page, nil
}
