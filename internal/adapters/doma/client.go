package doma

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAPIBase = "https://api.doma.xyz/v1"

	// Los backfills son ráfagas cortas (una request por colección y gap),
	// el límite está pensado para aguantar reconexiones en bucle.
	backfillRatePerSec = 5
	backfillBurst      = 4

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
	maxRetryAfter = 30 * time.Second
)

// Client es el HTTP client del API REST de Doma con rate limiting y retries.
type Client struct {
	http      *http.Client
	base      string
	limiter   *rate.Limiter
	retryWait time.Duration
}

// Option configura un Client.
type Option func(*Client)

// WithHTTPClient sustituye el http.Client por defecto.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetryWait cambia la espera base entre reintentos.
func WithRetryWait(d time.Duration) Option {
	return func(c *Client) { c.retryWait = d }
}

// NewClient crea un Client contra base. Si base está vacío usa producción.
func NewClient(base string, opts ...Option) *Client {
	if base == "" {
		base = defaultAPIBase
	}
	c := &Client{
		http:      &http.Client{Timeout: 10 * time.Second},
		base:      base,
		limiter:   rate.NewLimiter(backfillRatePerSec, backfillBurst),
		retryWait: baseRetryWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get hace un GET con rate limiting y retries.
func (c *Client) get(ctx context.Context, url string, out any) error {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

// doWithRetry reintenta errores de red, 429 y 5xx hasta maxRetries veces.
// Un 429 con Retry-After espera lo que pide el servidor, con tope en
// maxRetryAfter; sin cabecera usa el backoff exponencial.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out any) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		wait := c.backoff(attempt)
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode == http.StatusTooManyRequests:
			if d, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				wait = d
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("rate limited (429)")
			slog.Warn("doma: rate limited by API", "attempt", attempt+1, "wait", wait)
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("server error %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		default:
			defer resp.Body.Close()
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		if attempt == maxRetries || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("request cancelled after %d attempts: %w", attempt+1, ctx.Err())
		}
	}
	return fmt.Errorf("request failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *Client) backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
}

// retryAfter interpreta la cabecera Retry-After: segundos o fecha HTTP.
func retryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = at.Sub(now)
	} else {
		return 0, false
	}
	return min(max(d, 0), maxRetryAfter), true
}
