package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
)

const (
	// DefaultBaseURL is the public ThingSpeak REST endpoint.
	DefaultBaseURL = "https://api.thingspeak.com"
	// DefaultTimeout bounds one upload request.
	DefaultTimeout = 10 * time.Second

	updatePath = "/update"
	// maxBody caps how much of the response is read; ThingSpeak answers
	// with a bare entry id.
	maxBody = 4096
)

var errMissingAPIKey = errors.New("missing api key")

// HTTPOptions configures the REST client.
type HTTPOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient posts readings to the ThingSpeak "update" endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient creates a client. The API key is whitespace-trimmed.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	key := CleanAPIKey(opts.APIKey)
	if key == "" {
		return nil, errorkinds.Wrap(errMissingAPIKey, errorkinds.InvalidArgument, "telemetry", "telemetry: http client")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errorkinds.Wrap(err, errorkinds.InvalidArgument, "telemetry", "telemetry: parse base url")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &HTTPClient{
		endpoint: base + updatePath,
		apiKey:   key,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Upload issues exactly one POST with api_key, field1 and field2 as query
// parameters. Success is judged by the status class alone.
func (c *HTTPClient) Upload(ctx context.Context, field1, field2 string) (Result, error) {
	query := url.Values{}
	query.Set("api_key", c.apiKey)
	query.Set("field1", field1)
	query.Set("field2", field2)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return Result{}, errorkinds.Wrap(err, errorkinds.UploadFailure, "upload", "telemetry: build request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// url.Error repeats the request URL, which carries the key.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return Result{}, errorkinds.Wrap(err, errorkinds.UploadFailure, "upload", "telemetry: post update")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{StatusCode: resp.StatusCode}, errorkinds.Wrap(&StatusError{Code: resp.StatusCode},
			errorkinds.UploadFailure, "upload", "telemetry: post update")
	}

	result := Result{StatusCode: resp.StatusCode}
	if id, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64); err == nil {
		result.EntryID = id
	}
	if result.EntryID == 0 {
		// ThingSpeak answers 200 with "0" when it drops an update.
		slog.Warn("[TELEMETRY] update accepted without entry id", "body", strings.TrimSpace(string(body)))
	}
	slog.Debug("[TELEMETRY] update posted", "status", resp.StatusCode, "entry_id", result.EntryID)
	return result, nil
}

// String hides the key.
func (c *HTTPClient) String() string {
	return fmt.Sprintf("thingspeak-http(%s)", c.endpoint)
}

var _ Uploader = (*HTTPClient)(nil)
