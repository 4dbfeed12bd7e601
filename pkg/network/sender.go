package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request describes one batched delivery to an ingestion endpoint.
type Request struct {
	Token               string
	Endpoint            string // e.g. "/track/"
	Data                any    // batch payload, JSON-encoded into the form body
	ServerURL           string
	UseIPForGeolocation bool
}

// FlagsRequest describes a feature-flag fetch for one evaluation context.
type FlagsRequest struct {
	Token      string
	ServerURL  string
	DistinctID string
	DeviceID   string
	Context    map[string]any
}

// VariantPayload is the wire form of one flag assignment.
type VariantPayload struct {
	VariantKey         string `json:"variant_key"`
	VariantValue       any    `json:"variant_value"`
	ExperimentID       any    `json:"experiment_id,omitempty"`
	IsExperimentActive *bool  `json:"is_experiment_active,omitempty"`
	IsQATester         *bool  `json:"is_qa_tester,omitempty"`
}

type flagsResponse struct {
	Flags map[string]VariantPayload `json:"flags"`
}

// Sender performs all HTTP traffic for the client. Reuses one http.Client
// for connection pooling; safe for concurrent use.
type Sender struct {
	client     *http.Client
	backoff    BackoffStrategy
	maxRetries int
	logger     *slog.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithHTTPClient substitutes the HTTP client, for custom transports or tests.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithBackoff substitutes the retry backoff strategy.
func WithBackoff(b BackoffStrategy) SenderOption {
	return func(s *Sender) {
		if b != nil {
			s.backoff = b
		}
	}
}

// WithMaxRetries caps the number of retries after the initial attempt.
func WithMaxRetries(n int) SenderOption {
	return func(s *Sender) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithSenderLogger sets the sender's logger.
func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSender creates a Sender with pooled connections and the default retry
// schedule (5 retries, exponential backoff capped at 60s).
func NewSender(opts ...SenderOption) *Sender {
	s := &Sender{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		backoff:    DefaultBackoffStrategy(),
		maxRetries: 5,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendRequest delivers one batch. Returns nil on success, a
// permanent-failure error on any 4xx (no retry), or ErrDeliveryFailed once
// transient retries are exhausted.
func (s *Sender) SendRequest(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req.Data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	endpoint, err := buildURL(req.ServerURL, req.Endpoint, url.Values{
		"ip": {boolFlag(req.UseIPForGeolocation)},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	body := url.Values{"data": {string(payload)}}.Encode()

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.backoff.NextInterval(attempt)
			s.logger.DebugContext(ctx, "retrying batch delivery",
				slog.String("token", req.Token),
				slog.String("endpoint", req.Endpoint),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := s.post(ctx, endpoint, body)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		lastErr = err
		s.logger.WarnContext(ctx, "batch delivery attempt failed",
			slog.String("token", req.Token),
			slog.String("endpoint", req.Endpoint),
			slog.Any("error", err))
	}

	return fmt.Errorf("%w (%d attempts): %w", ErrDeliveryFailed, s.maxRetries+1, lastErr)
}

// FetchFlags retrieves the flag assignments for one evaluation context.
// 4xx responses are never retried; transient failures use the same retry
// schedule as delivery. A response without a usable flags field returns
// ErrMalformedResponse.
func (s *Sender) FetchFlags(ctx context.Context, req FlagsRequest) (map[string]VariantPayload, error) {
	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	endpoint, err := buildURL(req.ServerURL, "/flags", url.Values{
		"context":     {string(contextJSON)},
		"distinct_id": {req.DistinctID},
		"device_id":   {req.DeviceID},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff.NextInterval(attempt)):
			}
		}

		flags, err := s.getFlags(ctx, endpoint)
		if err == nil {
			return flags, nil
		}
		if IsPermanent(err) || errors.Is(err, ErrMalformedResponse) {
			return nil, err
		}
		lastErr = err
		s.logger.WarnContext(ctx, "flags fetch attempt failed",
			slog.String("token", req.Token), slog.Any("error", err))
	}

	return nil, fmt.Errorf("%w (%d attempts): %w", ErrDeliveryFailed, s.maxRetries+1, lastErr)
}

func (s *Sender) post(ctx context.Context, endpoint, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport failure: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return classifyStatus(resp.StatusCode)
}

func (s *Sender) getFlags(ctx context.Context, endpoint string) (map[string]VariantPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport failure: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var parsed flagsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1024*1024)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if parsed.Flags == nil {
		return nil, fmt.Errorf("%w: missing flags field", ErrMalformedResponse)
	}
	return parsed.Flags, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %w", ErrPermanentFailure, &HTTPError{StatusCode: code})
	default:
		return &HTTPError{StatusCode: code}
	}
}

func buildURL(serverURL, endpoint string, query url.Values) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + endpoint
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
