// Package exchange is the REST client for the Bybit v5 spot API. Every
// private call is HMAC-signed, paced through a token bucket, and run
// past the quota guard so a burst of trailing amendments cannot trip
// the account ban threshold.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"trailbot/config"
	"trailbot/logging"
)

// Client talks to the exchange REST API.
type Client struct {
	cfg     *config.Config
	logger  logging.LoggerInterface
	http    *http.Client
	limiter *rate.Limiter
	quota   *QuotaGuard

	// BaseURL overrides the configured REST host, used by tests.
	BaseURL string
}

// NewClient creates an exchange client. onHalt is invoked when the API
// quota is exceeded; it may be nil.
func NewClient(cfg *config.Config, logger logging.LoggerInterface, onHalt func(reason string)) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger,
		http:   &http.Client{Timeout: 10 * time.Second},
		// 10 rps steady with small bursts is well inside the spot
		// endpoint quotas.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		quota:   NewQuotaGuard(logger, onHalt),
		BaseURL: cfg.RESTHost,
	}
}

// Quota exposes the guard for status reporting.
func (c *Client) Quota() *QuotaGuard { return c.quota }

// SignREST signs a REST request payload.
func (c *Client) SignREST(secret, timestamp, apiKey, recvWindow, payload string) string {
	base := timestamp + apiKey + recvWindow + payload
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignWS signs a WebSocket auth request.
func (c *Client) SignWS(secret string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// do performs one signed request and returns the raw response body.
// The token bucket and the quota delay are both honored before the
// request leaves.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if d := c.quota.Delay(); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	endpoint := c.BaseURL + path
	payload := ""
	var reader io.Reader
	if method == http.MethodGet {
		if len(query) > 0 {
			payload = query.Encode()
			endpoint += "?" + payload
		}
	} else {
		payload = string(body)
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("exchange: build %s %s: %w", method, path, err)
	}

	ts := fmt.Sprintf("%d", time.Now().UnixMilli())
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.cfg.RecvWindow)
	req.Header.Set("X-BAPI-SIGN-TYPE", "2")
	req.Header.Set("X-BAPI-SIGN", c.SignREST(c.cfg.APISecret, ts, c.cfg.APIKey, c.cfg.RecvWindow, payload))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.quota.Observe(resp.Header)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exchange: read %s response: %w", path, err)
	}
	c.logger.Debug("Exchange: %s %s -> %s", method, path, data)
	return data, nil
}

// envelope is the common wrapper of every v5 response.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// call runs a request and unwraps the envelope, returning the raw
// result along with the exchange return code.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body []byte) (json.RawMessage, int, error) {
	data, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return nil, 0, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, fmt.Errorf("exchange: parse %s response: %w", path, err)
	}
	if env.RetCode != 0 {
		return env.Result, env.RetCode, fmt.Errorf("exchange: %s error %d: %s", path, env.RetCode, env.RetMsg)
	}
	return env.Result, 0, nil
}
