// Package commerce is a client for the remote commerce API: discount
// computation, user profiles and order creation.
package commerce

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/kart-sync/internal/domain/discount"
)

const (
	defaultTimeout = 10 * time.Second
	errorBodyLimit = 4 << 10
	bodyLimit      = 1 << 20
)

var _ discount.Calculator = (*Client)(nil)

// ErrUnauthenticated is returned when a call that requires an account is
// made without a token.
var ErrUnauthenticated = errors.New("auth token required")

// StatusError is a non-2xx response from the commerce API.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("commerce api: status %d", e.Status)
	}
	return fmt.Sprintf("commerce api: status %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// Client talks to the commerce API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	http    *http.Client
	timeout time.Duration
	tp      trace.TracerProvider
	mp      metric.MeterProvider
}

// WithHTTPClient overrides the HTTP client. Instrumentation options are
// ignored when set.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) {
		if c != nil {
			o.http = c
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithTracerProvider sets the tracer provider of the HTTP transport.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *clientOptions) { o.tp = tp }
}

// WithMeterProvider sets the meter provider of the HTTP transport.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *clientOptions) { o.mp = mp }
}

// NewClient creates a Client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("commerce base url is required")
	}

	o := clientOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	hc := o.http
	if hc == nil {
		var topts []otelhttp.Option
		if o.tp != nil {
			topts = append(topts, otelhttp.WithTracerProvider(o.tp))
		}
		if o.mp != nil {
			topts = append(topts, otelhttp.WithMeterProvider(o.mp))
		}
		hc = &http.Client{
			Timeout:   o.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, topts...),
		}
	}

	return &Client{baseURL: baseURL, http: hc}, nil
}

// CalculateDiscount asks the API for the discount on subtotal with the
// given number of reward points.
func (c *Client) CalculateDiscount(ctx context.Context, token string, req discount.Request) (*discount.Result, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	body, err := c.do(ctx, http.MethodPost, "/orders/calculate-discount", token, encodeDiscountRequest(req))
	if err != nil {
		return nil, err
	}
	res, err := decodeDiscountResponse(body)
	if err != nil {
		return nil, errors.Wrap(err, "decode discount response")
	}
	return res, nil
}

// Profile fetches the profile of the account owning token.
func (c *Client) Profile(ctx context.Context, token string) (*Profile, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	body, err := c.do(ctx, http.MethodGet, "/users/profile", token, nil)
	if err != nil {
		return nil, err
	}
	p, err := decodeProfile(body)
	if err != nil {
		return nil, errors.Wrap(err, "decode profile")
	}
	return p, nil
}

// CreateOrder submits an order. The amounts in req are taken as-is.
func (c *Client) CreateOrder(ctx context.Context, token string, req OrderRequest) (*OrderConfirmation, error) {
	body, err := c.do(ctx, http.MethodPost, "/orders", token, encodeOrderRequest(req))
	if err != nil {
		return nil, err
	}
	conf, err := decodeOrderConfirmation(body)
	if err != nil {
		return nil, errors.Wrap(err, "decode order confirmation")
	}
	return conf, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &StatusError{Status: resp.StatusCode, Message: decodeErrorMessage(raw)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	return data, nil
}
