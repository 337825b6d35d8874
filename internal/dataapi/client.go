// Package dataapi is a thin client for the Polymarket read APIs: the
// wallet/trade/leaderboard data API, the gamma market catalog, and CLOB
// orderbook snapshots. Every request runs through the admission limiter under
// its own category; slow-changing reads are memoized in the shared cache with
// a TTL per data class.
package dataapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xnico/polyflow/internal/cache"
	"github.com/0xnico/polyflow/internal/ratelimit"
)

// TTLs per data class. Orderbook-grade data is never cached here; these cover
// the read-mostly endpoints only.
const (
	TTLLeaderboard = 5 * time.Minute
	TTLMarkets     = time.Minute
	TTLPositions   = 30 * time.Second
	TTLWalletValue = 30 * time.Second
	TTLTrades      = 15 * time.Second
)

// UpstreamError is a non-2xx response from the data API. The body is kept for
// the caller; the client never retries on its own.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("dataapi: upstream status %d: %s", e.Status, e.Body)
}

// Client queries the Polymarket read APIs.
type Client struct {
	dataURL    string
	gammaURL   string
	clobURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
}

// NewClient creates a client using the shared limiter and cache.
func NewClient(dataURL, gammaURL, clobURL string, limiter *ratelimit.Limiter, c *cache.Cache) *Client {
	return &Client{
		dataURL:    dataURL,
		gammaURL:   gammaURL,
		clobURL:    clobURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
		cache:      c,
	}
}

// Positions returns the open conditional-token positions for a wallet.
func (c *Client) Positions(ctx context.Context, user string) ([]Position, error) {
	key := "positions:" + user
	return cache.GetOrSet(ctx, c.cache, key, TTLPositions, func(ctx context.Context) ([]Position, error) {
		var out []Position
		err := c.getJSON(ctx, "/positions", url.Values{"user": {user}}, &out)
		return out, err
	})
}

// Trades returns the most recent trades for a wallet, newest first.
func (c *Client) Trades(ctx context.Context, user string, limit int) ([]Trade, error) {
	key := fmt.Sprintf("trades:%s:%d", user, limit)
	return cache.GetOrSet(ctx, c.cache, key, TTLTrades, func(ctx context.Context) ([]Trade, error) {
		q := url.Values{"user": {user}}
		if limit > 0 {
			q.Set("limit", fmt.Sprintf("%d", limit))
		}
		var out []Trade
		err := c.getJSON(ctx, "/trades", q, &out)
		return out, err
	})
}

// Leaderboard returns the top wallets for a window ("day", "week", "month",
// "all"). Leaderboard pages change slowly and get the longest TTL.
func (c *Client) Leaderboard(ctx context.Context, window string, limit int) ([]LeaderboardEntry, error) {
	key := fmt.Sprintf("leaderboard:%s:%d", window, limit)
	return cache.GetOrSet(ctx, c.cache, key, TTLLeaderboard, func(ctx context.Context) ([]LeaderboardEntry, error) {
		q := url.Values{"window": {window}}
		if limit > 0 {
			q.Set("limit", fmt.Sprintf("%d", limit))
		}
		var out []LeaderboardEntry
		err := c.getJSON(ctx, "/leaderboard", q, &out)
		return out, err
	})
}

// WalletValue returns the total position value of a wallet in USD.
func (c *Client) WalletValue(ctx context.Context, user string) (decimal.Decimal, error) {
	key := "value:" + user
	return cache.GetOrSet(ctx, c.cache, key, TTLWalletValue, func(ctx context.Context) (decimal.Decimal, error) {
		var out []walletValue
		if err := c.getJSON(ctx, "/value", url.Values{"user": {user}}, &out); err != nil {
			return decimal.Zero, err
		}
		if len(out) == 0 {
			return decimal.Zero, nil
		}
		return out[0].Value, nil
	})
}

// Markets returns open markets from the gamma catalog.
func (c *Client) Markets(ctx context.Context, limit int) ([]GammaMarket, error) {
	key := fmt.Sprintf("markets:%d", limit)
	return cache.GetOrSet(ctx, c.cache, key, TTLMarkets, func(ctx context.Context) ([]GammaMarket, error) {
		q := url.Values{"closed": {"false"}, "active": {"true"}}
		if limit > 0 {
			q.Set("limit", fmt.Sprintf("%d", limit))
		}
		var out []GammaMarket
		err := c.get(ctx, ratelimit.CategoryGamma, c.gammaURL, "/markets", q, &out)
		return out, err
	})
}

// Book returns the current CLOB orderbook for one token. Orderbook state goes
// stale in milliseconds, so it is fetched fresh on every call.
func (c *Client) Book(ctx context.Context, tokenID string) (*BookSnapshot, error) {
	var out BookSnapshot
	q := url.Values{"token_id": {tokenID}}
	if err := c.get(ctx, ratelimit.CategoryBook, c.clobURL, "/book", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.get(ctx, ratelimit.CategoryData, c.dataURL, path, query, out)
}

// get issues one admitted GET against the given upstream and decodes the body.
func (c *Client) get(ctx context.Context, cat ratelimit.Category, base, path string, query url.Values, out any) error {
	return c.limiter.Execute(ctx, cat, func(ctx context.Context) error {
		u := base + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("dataapi: %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &UpstreamError{Status: resp.StatusCode, Body: string(body)}
		}

		return json.NewDecoder(resp.Body).Decode(out)
	})
}
