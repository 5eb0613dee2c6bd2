// Package backend talks to the authoritative parking API. Every call goes
// through a circuit breaker, GETs are retried, and expired access tokens are
// refreshed transparently.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"parking-ledger/internal/ledger"
	"parking-ledger/internal/logging"
)

const (
	zonesPath   = "/api/core/zones/"
	slotsPath   = "/api/core/slots/"
	bookPath    = "/api/parking/book/"
	releasePath = "/api/parking/release/"
	refreshPath = "/api/auth/refresh/"
)

var ErrRefreshFailed = errors.New("token refresh failed")

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message())
}

// Message extracts the human readable part of an error body. The backend
// uses "detail", "error" or "message" depending on the endpoint.
func (e *APIError) Message() string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(e.Body), &fields); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			if s, ok := fields[key].(string); ok && s != "" {
				return s
			}
		}
	}
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return http.StatusText(e.StatusCode)
	}
	return body
}

type Options struct {
	BaseURL      string
	Timeout      time.Duration
	AccessToken  string
	RefreshToken string

	// RefreshSkew refreshes the access token this long before it expires.
	RefreshSkew time.Duration
	// BreakerOpenFor is how long the breaker stays open before probing.
	BreakerOpenFor time.Duration
	// RetryInitial is the first backoff interval for GET retries.
	RetryInitial time.Duration
	MaxTries     uint
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.RefreshSkew <= 0 {
		o.RefreshSkew = 30 * time.Second
	}
	if o.BreakerOpenFor <= 0 {
		o.BreakerOpenFor = 30 * time.Second
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.MaxTries == 0 {
		o.MaxTries = 3
	}
	return o
}

type Client struct {
	http    *resty.Client
	tokens  *TokenStore
	breaker *breaker

	refreshMu    sync.Mutex
	skew         time.Duration
	retryInitial time.Duration
	maxTries     uint
	now          func() time.Time
}

func NewClient(opts Options) *Client {
	opts = opts.withDefaults()

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetHeader("Accept", "application/json")

	return &Client{
		http:         httpClient,
		tokens:       NewTokenStore(opts.AccessToken, opts.RefreshToken),
		breaker:      newBreaker("parking-backend", opts.BreakerOpenFor),
		skew:         opts.RefreshSkew,
		retryInitial: opts.RetryInitial,
		maxTries:     opts.MaxTries,
		now:          time.Now,
	}
}

func (c *Client) Tokens() *TokenStore {
	return c.tokens
}

// BreakerState reports the circuit breaker state ("closed", "open", "half-open").
func (c *Client) BreakerState() string {
	return c.breaker.state()
}

type zoneDTO struct {
	ID             ID       `json:"id"`
	Name           string   `json:"name"`
	Level          string   `json:"level"`
	Features       []string `json:"features"`
	TotalSlots     int      `json:"total_slots"`
	AvailableSlots int      `json:"available_slots"`
	PricePerHour   float64  `json:"price_per_hour"`
}

func (d zoneDTO) toZone() ledger.Zone {
	z := ledger.NewZone(string(d.ID), d.Name, d.TotalSlots, d.PricePerHour)
	z.Level = d.Level
	z.Features = d.Features
	z.AvailableSlots = d.AvailableSlots
	return z.Normalize()
}

type slotDTO struct {
	ID       ID     `json:"id"`
	Zone     ID     `json:"zone"`
	Status   string `json:"status"`
	SlotType string `json:"slot_type"`
}

func (d slotDTO) toSlot() (ledger.Slot, error) {
	status, err := ledger.ParseSlotStatus(d.Status)
	if err != nil {
		return ledger.Slot{}, fmt.Errorf("slot %s: %w", d.ID, err)
	}
	s := ledger.NewSlot(string(d.ID), string(d.Zone))
	s.Status = status
	if err := s.Type.UnmarshalText([]byte(d.SlotType)); err != nil {
		return ledger.Slot{}, err
	}
	return s, nil
}

func (c *Client) ListZones(ctx context.Context) ([]ledger.Zone, error) {
	body, err := c.getWithRetry(ctx, zonesPath)
	if err != nil {
		return nil, err
	}
	dtos, kind, err := DecodeList[zoneDTO](body)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	logging.Debug(ctx).Str("envelope", string(kind)).Int("count", len(dtos)).Msg("zones fetched")

	zones := make([]ledger.Zone, 0, len(dtos))
	for _, d := range dtos {
		zones = append(zones, d.toZone())
	}
	return zones, nil
}

func (c *Client) ListSlots(ctx context.Context) ([]ledger.Slot, error) {
	body, err := c.getWithRetry(ctx, slotsPath)
	if err != nil {
		return nil, err
	}
	dtos, kind, err := DecodeList[slotDTO](body)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	logging.Debug(ctx).Str("envelope", string(kind)).Int("count", len(dtos)).Msg("slots fetched")

	slots := make([]ledger.Slot, 0, len(dtos))
	for _, d := range dtos {
		s, err := d.toSlot()
		if err != nil {
			return nil, fmt.Errorf("list slots: %w", err)
		}
		slots = append(slots, s)
	}
	return slots, nil
}

// FetchDataset loads zones and slots in one go.
func (c *Client) FetchDataset(ctx context.Context) (ledger.Dataset, error) {
	zones, err := c.ListZones(ctx)
	if err != nil {
		return ledger.Dataset{}, err
	}
	slots, err := c.ListSlots(ctx)
	if err != nil {
		return ledger.Dataset{}, err
	}
	return ledger.Dataset{Zones: zones, Slots: slots}, nil
}

type BookingRequest struct {
	SlotID      string     `json:"slot"`
	VehicleType string     `json:"vehicle_type,omitempty"`
	EntryTime   *time.Time `json:"entry_time,omitempty"`
	ExitTime    *time.Time `json:"exit_time,omitempty"`
	Amount      float64    `json:"amount,omitempty"`
}

type BookingResult struct {
	ID     ID     `json:"id"`
	Status string `json:"status"`
}

func (c *Client) Book(ctx context.Context, req BookingRequest) (BookingResult, error) {
	body, err := c.do(ctx, http.MethodPost, bookPath, req)
	if err != nil {
		return BookingResult{}, err
	}
	var result BookingResult
	if len(strings.TrimSpace(string(body))) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return BookingResult{}, fmt.Errorf("decode booking: %w", err)
	}
	return result, nil
}

func (c *Client) Release(ctx context.Context, slotID string) error {
	_, err := c.do(ctx, http.MethodPost, releasePath, map[string]string{"slot": slotID})
	return err
}

func (c *Client) getWithRetry(ctx context.Context, path string) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.MaxInterval = 10 * c.retryInitial

	return backoff.Retry(ctx, func() ([]byte, error) {
		body, err := c.do(ctx, http.MethodGet, path, nil)
		if err == nil {
			return body, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrRefreshFailed) {
			return nil, backoff.Permanent(err)
		}
		logging.Warn(ctx).Err(err).Str("path", path).Msg("backend request failed, retrying")
		return nil, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxTries),
	)
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	if ExpiresWithin(c.tokens.Access(), c.skew, c.now()) {
		if err := c.refresh(ctx, c.tokens.Access()); err != nil {
			logging.Warn(ctx).Err(err).Msg("proactive token refresh failed")
		}
	}

	out, err := c.breaker.execute(func() (any, error) {
		return c.send(ctx, method, path, body)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) ([]byte, error) {
	token := c.tokens.Access()
	resp, err := c.request(ctx, token, body).Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode() == http.StatusUnauthorized && c.tokens.Refresh() != "" {
		if err := c.refresh(ctx, token); err != nil {
			return nil, errors.Join(err, &APIError{StatusCode: resp.StatusCode(), Body: string(resp.Body())})
		}
		resp, err = c.request(ctx, c.tokens.Access(), body).Execute(method, path)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
	}

	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return resp.Body(), nil
}

func (c *Client) request(ctx context.Context, token string, body any) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	return req
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// refresh exchanges the refresh token for a new access token. Concurrent
// callers that saw the same stale token share one refresh.
func (c *Client) refresh(ctx context.Context, stale string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.tokens.Access() != stale {
		return nil
	}
	refreshToken := c.tokens.Refresh()
	if refreshToken == "" {
		return fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}

	var out refreshResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"refresh": refreshToken}).
		SetResult(&out).
		Post(refreshPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode())
	}
	if out.Access == "" {
		return fmt.Errorf("%w: response carried no access token", ErrRefreshFailed)
	}

	c.tokens.Set(out.Access, out.Refresh)
	logging.Info(ctx).Msg("backend access token refreshed")
	return nil
}
