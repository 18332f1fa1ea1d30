// Package archive is the read-only client for the remote imaging archive.
// It speaks the TCIA-style REST API (collection values, patients, series
// metadata), applies client-side rate limiting, and retries transient
// failures with exponential backoff.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned for 4xx responses (bad collection or patient id).
// It is never retried.
var ErrNotFound = errors.New("archive: not found")

// StatusError carries a non-2xx HTTP status for classification by callers.
type StatusError struct {
	Code     int
	Endpoint string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("archive: %s returned status %d", e.Endpoint, e.Code)
}

// Series is one series-metadata record as returned by the archive.
type Series struct {
	SeriesInstanceUID string `json:"SeriesInstanceUID"`
	Modality          string `json:"Modality"`
	SeriesDescription string `json:"SeriesDescription"`
	ImageCount        int    `json:"ImageCount"`
}

type collectionRecord struct {
	Collection string `json:"Collection"`
}

type patientRecord struct {
	PatientID string `json:"PatientID"`
}

// Options tunes the client. Zero values fall back to conservative defaults.
type Options struct {
	APIToken     string
	RateLimitRPS float64
	Timeout      time.Duration
	MaxAttempts  int
	HTTPClient   *http.Client
}

// Client issues idempotent read requests against the archive API.
// It is safe for concurrent use.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int

	requests atomic.Int64
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts Options) *Client {
	rps := opts.RateLimitRPS
	if rps <= 0 {
		rps = 5
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:     baseURL,
		token:       opts.APIToken,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		maxAttempts: attempts,
	}
}

// RequestCount returns the number of HTTP requests issued so far,
// including retries.
func (c *Client) RequestCount() int64 { return c.requests.Load() }

// ListCollections returns the names of every collection the archive hosts,
// in the archive's listing order.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	var records []collectionRecord
	if err := c.getJSON(ctx, "getCollectionValues", nil, &records); err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	names := make([]string, 0, len(records))
	for _, r := range records {
		if r.Collection != "" {
			names = append(names, r.Collection)
		}
	}
	return names, nil
}

// ListPatients returns the patient ids of one collection in listing order.
func (c *Client) ListPatients(ctx context.Context, collection string) ([]string, error) {
	params := url.Values{"Collection": {collection}}
	var records []patientRecord
	if err := c.getJSON(ctx, "getPatient", params, &records); err != nil {
		return nil, fmt.Errorf("list patients %q: %w", collection, err)
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.PatientID != "" {
			ids = append(ids, r.PatientID)
		}
	}
	return ids, nil
}

// ListSeries returns the series-metadata records for one patient.
func (c *Client) ListSeries(ctx context.Context, collection, patientID string) ([]Series, error) {
	params := url.Values{
		"Collection": {collection},
		"PatientID":  {patientID},
	}
	var series []Series
	if err := c.getJSON(ctx, "getSeries", params, &series); err != nil {
		return nil, fmt.Errorf("list series %s/%s: %w", collection, patientID, err)
	}
	return series, nil
}

// ProbeReport examines up to sampleLimit series records for patientID looking
// for a report marker, stopping at the first hit. It returns Inconclusive
// only when the sample is exhausted without signal and the patient has more
// series than were sampled.
func (c *Client) ProbeReport(ctx context.Context, collection, patientID string, sampleLimit int) (Probe, error) {
	series, err := c.ListSeries(ctx, collection, patientID)
	if err != nil {
		return Probe{}, err
	}
	if sampleLimit <= 0 || sampleLimit > len(series) {
		sampleLimit = len(series)
	}
	for i := 0; i < sampleLimit; i++ {
		if marker := reportMarker(series[i]); marker != "" {
			return Probe{Result: ProbeYes, ReportType: marker, SeriesSampled: i + 1}, nil
		}
	}
	if sampleLimit < len(series) {
		return Probe{Result: ProbeInconclusive, SeriesSampled: sampleLimit}, nil
	}
	return Probe{Result: ProbeNo, SeriesSampled: sampleLimit}, nil
}

// getJSON performs a rate-limited GET with retries and decodes the JSON body
// into v. An empty 200 body decodes as an empty slice.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, v any) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.Multiplier = 2
	expBackoff.MaxElapsedTime = 0

	attempts := uint64(c.maxAttempts - 1) // backoff counts retries, not attempts
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, attempts), ctx)

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.doGet(ctx, endpoint, params, v)
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			// Bad ids fail fast; retrying cannot help.
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, statusErr))
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		slog.Debug("archive: retrying request", "endpoint", endpoint, "error", err)
		return err
	}

	return backoff.Retry(operation, policy)
}

func (c *Client) doGet(ctx context.Context, endpoint string, params url.Values, v any) error {
	u := c.baseURL + "/query/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("api_key", c.token)
	}

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode, Endpoint: endpoint}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", endpoint, err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}
