// Package meetingapi is a client for the transcription backend's meeting
// lifecycle REST API: creating and listing meetings, uploading finalized
// transcript segments, triggering summaries and managing the correction
// dictionary.
//
// Every call runs inside a [resilience.Breaker], is traced with an OTel
// span and carries a fresh X-Request-ID.
package meetingapi

import (
	"bytes"
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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/resilience"
)

// DefaultBaseURL is the backend address used when none is configured.
const DefaultBaseURL = "http://127.0.0.1:8000"

// DefaultTimeout bounds each request.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Client talks to the meeting REST API.
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *resilience.Breaker
	metrics    *observe.Metrics
}

// Option is a functional option for [Client].
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the HTTP client. Its Timeout is left as given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout. A zero or negative value
// disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = max(d, 0)
		c.httpClient = &hc
	}
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client for baseURL. An empty baseURL selects
// [DefaultBaseURL].
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("meetingapi: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("meetingapi: base url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.breaker == nil {
		c.breaker = resilience.NewBreaker(resilience.BreakerConfig{
			Name:      "meetingapi",
			IsFailure: IsBackendFailure,
			OnStateChange: func(name string, _, to resilience.State) {
				c.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		})
	}
	return c, nil
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// IsBackendFailure reports whether err says the backend is unhealthy: a
// transport error or a temporary HTTP status. Client errors such as 404 and
// 422 do not count.
func IsBackendFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// ── Operations ───────────────────────────────────────────────────────────────

// Health checks the backend's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil, nil)
}

// ListMeetings returns a page of meetings, newest first. A non-positive
// limit selects the backend default of 100.
func (c *Client) ListMeetings(ctx context.Context, skip, limit int) ([]Meeting, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("skip", strconv.Itoa(max(skip, 0)))
	q.Set("limit", strconv.Itoa(limit))

	var out []Meeting
	if err := c.do(ctx, "list_meetings", http.MethodGet, "/api/v1/meetings", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMeeting returns one meeting with its transcript segments. A missing
// meeting yields an error matching [ErrNotFound].
func (c *Client) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	if id == "" {
		return nil, errors.New("meetingapi: get meeting: empty id")
	}
	var out Meeting
	if err := c.do(ctx, "get_meeting", http.MethodGet, "/api/v1/meetings/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateMeeting creates a meeting record for a new recording.
func (c *Client) CreateMeeting(ctx context.Context, req MeetingCreate) (*Meeting, error) {
	var out Meeting
	if err := c.do(ctx, "create_meeting", http.MethodPost, "/api/v1/meetings", nil, req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("meetingapi: create meeting: response has no id")
	}
	return &out, nil
}

// DeleteMeeting deletes a meeting and its transcript.
func (c *Client) DeleteMeeting(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("meetingapi: delete meeting: empty id")
	}
	return c.do(ctx, "delete_meeting", http.MethodDelete, "/api/v1/meetings/"+url.PathEscape(id), nil, nil, nil)
}

// GenerateSummary asks the backend to summarise a meeting asynchronously.
func (c *Client) GenerateSummary(ctx context.Context, id string, opts SummaryOptions) (*SummaryTask, error) {
	if id == "" {
		return nil, errors.New("meetingapi: generate summary: empty id")
	}
	template := opts.TemplateType
	if template == "" {
		template = "general"
	}
	q := url.Values{}
	q.Set("template_type", template)
	if opts.Context != "" {
		q.Set("context", opts.Context)
	}
	if opts.Length != "" {
		q.Set("length", opts.Length)
	}
	if opts.Style != "" {
		q.Set("style", opts.Style)
	}

	var out SummaryTask
	path := "/api/v1/meetings/" + url.PathEscape(id) + "/generate-summary"
	if err := c.do(ctx, "generate_summary", http.MethodPost, path, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddSegments appends transcript segments to a meeting. An empty slice is
// a no-op.
func (c *Client) AddSegments(ctx context.Context, id string, segs []TranscriptSegment) error {
	if id == "" {
		return errors.New("meetingapi: add segments: empty id")
	}
	if len(segs) == 0 {
		return nil
	}
	path := "/api/v1/meetings/" + url.PathEscape(id) + "/add_segments"
	return c.do(ctx, "add_segments", http.MethodPost, path, nil, segs, nil)
}

// GetCorrections returns the backend's term correction dictionary.
func (c *Client) GetCorrections(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	if err := c.do(ctx, "get_corrections", http.MethodGet, "/api/v1/settings/corrections", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateCorrections replaces the backend's term correction dictionary.
func (c *Client) UpdateCorrections(ctx context.Context, corrections map[string]string) error {
	if corrections == nil {
		corrections = map[string]string{}
	}
	return c.do(ctx, "update_corrections", http.MethodPost, "/api/v1/settings/corrections", nil, corrections, nil)
}

// ── Transport ────────────────────────────────────────────────────────────────

// do performs one request. body, when non-nil, is sent as JSON; out, when
// non-nil, receives the decoded response.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	ctx, span := observe.StartSpan(ctx, "meetingapi."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	start := time.Now()
	status := "error"
	err := c.breaker.Execute(func() error {
		code, err := c.roundTrip(ctx, op, method, path, query, body, out)
		if code != 0 {
			status = strconv.Itoa(code)
		}
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		status = "circuit_open"
		err = fmt.Errorf("meetingapi: %s: %w", op, err)
	}
	c.metrics.RecordAPICall(ctx, op, status, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Debug("meetingapi: request failed", "op", op, "status", status, "err", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, query url.Values, body, out any) (int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("meetingapi: %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, fmt.Errorf("meetingapi: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	observe.InjectHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("meetingapi: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, decodeError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("meetingapi: %s: decode response: %w", op, err)
	}
	return resp.StatusCode, nil
}

// decodeError builds an [*APIError] from a non-2xx response. The backend
// reports errors as {"detail": "..."}; validation errors carry a list in
// detail, which is kept verbatim.
func decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Op: op}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &payload) == nil && len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			apiErr.Detail = s
		} else {
			apiErr.Detail = string(payload.Detail)
		}
		return apiErr
	}
	apiErr.Detail = strings.TrimSpace(string(raw))
	return apiErr
}
