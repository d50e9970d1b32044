package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/time/rate"
)

var logger = loggo.GetLogger("verifyhub.provider")

const (
	defaultTimeout      = 12 * time.Second
	defaultRefreshRatio = 0.9
	maxResponseBytes    = 1 << 20
)

type Options struct {
	BaseURL  string
	APIKey   string
	Username string
	// Timeout bounds every single HTTP exchange, auth included.
	Timeout time.Duration
	// RefreshRatio is the fraction of a token's lifetime after which it is
	// refreshed ahead of expiry.
	RefreshRatio float64
	// MaxRPS paces outbound calls; zero disables pacing.
	MaxRPS     float64
	HTTPClient *http.Client
	Clock      clock.Clock
}

// Client talks to the provider over HTTPS. It caches the bearer token and
// re-authenticates once on a 401 before giving up.
type Client struct {
	baseURL      string
	apiKey       string
	username     string
	timeout      time.Duration
	refreshRatio float64
	http         *http.Client
	limiter      *rate.Limiter
	clock        clock.Clock

	mu        sync.Mutex
	token     string
	refreshAt time.Time
	expiresAt time.Time
}

var _ API = (*Client)(nil)

func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		username:     opts.Username,
		timeout:      opts.Timeout,
		refreshRatio: opts.RefreshRatio,
		http:         opts.HTTPClient,
		clock:        opts.Clock,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.refreshRatio <= 0 || c.refreshRatio >= 1 {
		c.refreshRatio = defaultRefreshRatio
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.timeout}
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if opts.MaxRPS > 0 {
		burst := int(opts.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxRPS), burst)
	}
	return c
}

type authResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"` // seconds
}

// authToken returns a cached token, refreshing it once the refresh point
// has passed or when force is set.
func (c *Client) authToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if !force && c.token != "" && now.Before(c.refreshAt) {
		return c.token, nil
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/auth", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-API-USERNAME", c.username)

	status, body, err := c.send(req)
	if err != nil {
		return "", &Error{Kind: ErrUnavailable, Op: "auth", Err: err}
	}
	if err := classifyStatus("auth", status, body); err != nil {
		return "", err
	}

	var out authResponse
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		return "", &Error{Kind: ErrAuth, Op: "auth", StatusCode: status, Message: "malformed token response"}
	}
	lifetime := time.Duration(out.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	c.token = out.Token
	c.expiresAt = now.Add(lifetime)
	c.refreshAt = now.Add(time.Duration(float64(lifetime) * c.refreshRatio))
	logger.Debugf("[provider][auth] token refreshed, expires_at=%s", c.expiresAt.Format(time.RFC3339))
	return c.token, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload interface{}) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Annotate(err, "encode provider request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Annotate(err, "build provider request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) send(req *http.Request) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
	defer cancel()

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// call performs an authenticated JSON exchange. A 401 triggers exactly one
// re-authentication and one retry.
func (c *Client) call(ctx context.Context, op, method, path string, payload, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Kind: ErrUnavailable, Op: op, Err: err}
		}
	}

	status, body, err := c.authorizedSend(ctx, op, method, path, payload, false)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		logger.Infof("[provider][%s] got 401, re-authenticating once", op)
		status, body, err = c.authorizedSend(ctx, op, method, path, payload, true)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return &Error{Kind: ErrAuth, Op: op, StatusCode: status, Message: "unauthorized after re-authentication"}
		}
	}

	logger.Tracef("[provider][%s] status=%d body=%s", op, status, string(body))
	if err := classifyStatus(op, status, body); err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: ErrUnavailable, Op: op, StatusCode: status, Message: "malformed response", Err: err}
	}
	return nil
}

func (c *Client) authorizedSend(ctx context.Context, op, method, path string, payload interface{}, forceAuth bool) (int, []byte, error) {
	token, err := c.authToken(ctx, forceAuth)
	if err != nil {
		return 0, nil, err
	}
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	status, body, err := c.send(req)
	if err != nil {
		return 0, nil, &Error{Kind: ErrUnavailable, Op: op, Err: err}
	}
	return status, body, nil
}

func (c *Client) CreateVerification(ctx context.Context, req VerificationRequest) (*Reservation, error) {
	if strings.TrimSpace(req.Service) == "" {
		return nil, &Error{Kind: ErrValidation, Op: "create_verification", Message: "service name is required"}
	}
	var out Reservation
	if err := c.call(ctx, "create_verification", http.MethodPost, "/verifications", req, &out); err != nil {
		return nil, err
	}
	if out.ExternalID == "" || out.PhoneNumber == "" {
		return nil, &Error{Kind: ErrUnavailable, Op: "create_verification", Message: "reservation without id or number"}
	}
	return &out, nil
}

type statusResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (c *Client) GetStatus(ctx context.Context, externalID string) (Status, error) {
	var out statusResponse
	if err := c.call(ctx, "get_status", http.MethodGet, "/verifications/"+url.PathEscape(externalID), nil, &out); err != nil {
		return "", err
	}
	return normaliseStatus(out.State), nil
}

type messagesResponse struct {
	Data []Message `json:"data"`
}

func (c *Client) GetMessages(ctx context.Context, externalID string) ([]Message, error) {
	q := url.Values{"reservationId": {externalID}}
	var out messagesResponse
	if err := c.call(ctx, "get_messages", http.MethodGet, "/sms?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Cancel(ctx context.Context, externalID string) error {
	return c.call(ctx, "cancel", http.MethodPost, "/verifications/"+url.PathEscape(externalID)+"/cancel", nil, nil)
}

func (c *Client) CreateRental(ctx context.Context, req RentalRequest) (*Reservation, error) {
	if req.DurationHours <= 0 {
		return nil, &Error{Kind: ErrValidation, Op: "create_rental", Message: "duration must be positive"}
	}
	var out Reservation
	if err := c.call(ctx, "create_rental", http.MethodPost, "/reservations/rental", req, &out); err != nil {
		return nil, err
	}
	if out.ExternalID == "" || out.PhoneNumber == "" {
		return nil, &Error{Kind: ErrUnavailable, Op: "create_rental", Message: "reservation without id or number"}
	}
	return &out, nil
}

type extendResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c *Client) ExtendRental(ctx context.Context, externalID string, hours int) (time.Time, error) {
	payload := map[string]int{"durationHours": hours}
	var out extendResponse
	if err := c.call(ctx, "extend_rental", http.MethodPost, "/reservations/rental/"+url.PathEscape(externalID)+"/extend", payload, &out); err != nil {
		return time.Time{}, err
	}
	return out.ExpiresAt, nil
}

func (c *Client) ReleaseRental(ctx context.Context, externalID string) error {
	return c.call(ctx, "release_rental", http.MethodPost, "/reservations/rental/"+url.PathEscape(externalID)+"/release", nil, nil)
}
