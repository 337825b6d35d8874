package dataapi

import "github.com/shopspring/decimal"

// Position is one open conditional-token position.
type Position struct {
	Asset        string          `json:"asset"`
	ConditionID  string          `json:"conditionId"`
	Title        string          `json:"title"`
	Outcome      string          `json:"outcome"`
	Size         decimal.Decimal `json:"size"`
	AvgPrice     decimal.Decimal `json:"avgPrice"`
	CurPrice     decimal.Decimal `json:"curPrice"`
	CurrentValue decimal.Decimal `json:"currentValue"`
	CashPnL      decimal.Decimal `json:"cashPnl"`
	PercentPnL   decimal.Decimal `json:"percentPnl"`
	Redeemable   bool            `json:"redeemable"`
}

// Trade is one fill from the trade history endpoint.
type Trade struct {
	TxHash      string          `json:"transactionHash"`
	Asset       string          `json:"asset"`
	ConditionID string          `json:"conditionId"`
	Side        string          `json:"side"`
	Outcome     string          `json:"outcome"`
	Size        decimal.Decimal `json:"size"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   int64           `json:"timestamp"`
}

// LeaderboardEntry is one row of the profit/volume leaderboard.
type LeaderboardEntry struct {
	ProxyWallet string          `json:"proxyWallet"`
	Pseudonym   string          `json:"pseudonym"`
	Amount      decimal.Decimal `json:"amount"`
}

// GammaMarket is one market from the gamma catalog endpoint.
type GammaMarket struct {
	ID           string          `json:"id"`
	Question     string          `json:"question"`
	ConditionID  string          `json:"conditionId"`
	Slug         string          `json:"slug"`
	Active       bool            `json:"active"`
	Closed       bool            `json:"closed"`
	Volume       decimal.Decimal `json:"volumeNum"`
	Liquidity    decimal.Decimal `json:"liquidityNum"`
	ClobTokenIDs string          `json:"clobTokenIds"`
}

// BookSnapshot is one CLOB orderbook response.
type BookSnapshot struct {
	Market  string      `json:"market"`
	AssetID string      `json:"asset_id"`
	Bids    []BookQuote `json:"bids"`
	Asks    []BookQuote `json:"asks"`
}

// BookQuote is one price level of a book snapshot.
type BookQuote struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type walletValue struct {
	User  string          `json:"user"`
	Value decimal.Decimal `json:"value"`
}
