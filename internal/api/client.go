// Package api is the request/response client for the job service: the
// status endpoint the poller uses and the export endpoint the CLI uses.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/logging"
)

var (
	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("job not found")
)

// StatusError is returned for other non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned status %d", e.Code)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Body)
}

// StatusResponse is the body of GET /jobs/{id}/status.
type StatusResponse struct {
	Status       string             `json:"status"`
	Participants []jobs.Participant `json:"participants"`
	Result       json.RawMessage    `json:"result,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	// UpdatedAt is set by services that version their status documents.
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	// ServerTime is the response Date header, zero when absent. It is on
	// the service's clock, unlike the time the request was made.
	ServerTime time.Time `json:"-"`
}

// Export is a downloadable job export.
type Export struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Client talks to the job service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
	logger     *logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAuthToken sets the bearer token sent with every request.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) {
		c.authToken = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger).With("component", "api")
	return c
}

// BaseURL returns the base URL of the job service.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// JobStatus fetches the current status of a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(jobID, "status"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	if date, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		status.ServerTime = date
	}
	c.logger.Debug("fetched status", "job", jobID, "status", status.Status)
	return &status, nil
}

// Export requests an export of a job's result in the given format.
func (c *Client) Export(ctx context.Context, jobID, format string) (*Export, error) {
	body, err := json.Marshal(map[string]string{"format": format})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.jobURL(jobID, "export"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request export: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	return &Export{
		Filename:    exportFilename(resp.Header.Get("Content-Disposition"), jobID, format),
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (c *Client) jobURL(jobID, action string) string {
	return c.baseURL + "/jobs/" + url.PathEscape(jobID) + "/" + action
}

// addAuthHeader adds the authorization header if a token is configured.
func (c *Client) addAuthHeader(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return &StatusError{Code: resp.StatusCode, Body: msg}
	}
}

// exportFilename takes the filename from a Content-Disposition header,
// falling back to one derived from the job and format.
func exportFilename(disposition, jobID, format string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	if format == "" {
		format = "bin"
	}
	return fmt.Sprintf("job-%s.%s", jobID, format)
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
