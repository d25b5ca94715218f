package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantrelay/quantrelay/config"
	"github.com/quantrelay/quantrelay/errors"
	"github.com/quantrelay/quantrelay/logger"
)

// HTTPClient talks to the broker's REST API. Every request carries a bounded
// timeout and passes through a transport-level rate limiter so bursts of legs
// never trip the broker's own throttle.
type HTTPClient struct {
	baseURL     string
	accessToken string
	clientID    string
	httpClient  *http.Client
	limiter     *rate.Limiter
}

func NewHTTPClient(cfg config.BrokerConfig) *HTTPClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5.0
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:     cfg.BaseURL,
		accessToken: cfg.AccessToken,
		clientID:    cfg.ClientID,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *HTTPClient) PlaceOrder(ctx context.Context, order Order) (*OrderResult, error) {
	var result OrderResult
	if err := c.do(ctx, http.MethodPost, "/orders", order, &result); err != nil {
		return nil, err
	}
	logger.Infow("order placed",
		logger.FieldOrderID, result.OrderID,
		logger.FieldSymbol, order.Symbol,
		logger.FieldStatus, result.Status)
	return &result, nil
}

func (c *HTTPClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/orders/"+orderID, nil, nil)
}

func (c *HTTPClient) Holdings(ctx context.Context) ([]Holding, error) {
	var holdings []Holding
	if err := c.do(ctx, http.MethodGet, "/holdings", nil, &holdings); err != nil {
		return nil, err
	}
	return holdings, nil
}

func (c *HTTPClient) Positions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.do(ctx, http.MethodGet, "/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (c *HTTPClient) ValidateCredential(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/profile", nil, nil)
}

// do performs one API call, mapping failures onto the error taxonomy:
// timeouts, 5xx, and 429 are transient; 4xx are terminal.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "broker throttle interrupted")
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode broker request")
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "failed to build broker request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Access-Token", c.accessToken)
	if c.clientID != "" {
		req.Header.Set("Client-Id", c.clientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failure or timeout: worth a retry
		return errors.Mark(errors.Wrapf(err, "broker %s %s", method, path), errors.ErrBrokerTransient)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to read broker response"), errors.ErrBrokerTransient)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Mark(errors.Wrap(err, "failed to decode broker response"), errors.ErrBrokerTerminal)
		}
		return nil
	}

	apiErr := errors.Newf("broker %s %s returned %d: %s", method, path, resp.StatusCode, truncate(respBody, 256))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return errors.Mark(apiErr, errors.ErrBrokerTransient)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.Mark(apiErr, errors.ErrAuth)
	}
	return errors.Mark(apiErr, errors.ErrBrokerTerminal)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
