package feed

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceUpdate is the latest top-of-book price for one asset. Immutable;
// the manager keeps only the newest value per asset id.
type PriceUpdate struct {
	AssetID   string
	Market    string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Mid       decimal.Decimal
	Spread    decimal.Decimal
	UpdatedAt time.Time
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookUpdate is a full book snapshot for one asset.
type BookUpdate struct {
	AssetID   string
	Market    string
	Bids      []BookLevel
	Asks      []BookLevel
	UpdatedAt time.Time
}

// TradeEvent is a last-trade print for one asset.
type TradeEvent struct {
	AssetID string
	Market  string
	Price   decimal.Decimal
	Size    decimal.Decimal
	Side    string
	At      time.Time
}

// PairUpdate is the derived view over two complementary outcome tokens.
// Sum is the sum of the two latest mid prices; Spread is 1 - Sum, the margin
// left on the table when both sides are bought together.
type PairUpdate struct {
	YesAssetID string
	NoAssetID  string
	Yes        decimal.Decimal
	No         decimal.Decimal
	Sum        decimal.Decimal
	Spread     decimal.Decimal
	At         time.Time
}

// Handlers carries the typed callbacks for one subscription. Any field may be
// nil. OnError is invoked for connection-level errors regardless of which
// asset ids the subscription covers.
type Handlers struct {
	OnPrice func(PriceUpdate)
	OnBook  func(BookUpdate)
	OnTrade func(TradeEvent)
	OnError func(error)
}

// frame is the subscribe/unsubscribe message sent to the feed.
type frame struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
	Action   string   `json:"action,omitempty"`
}

// wsLevel is one wire-format book level.
type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// wsPriceChange is one entry of a price_change message.
type wsPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// wsMessage is the envelope for every feed message; fields are populated
// depending on event_type.
type wsMessage struct {
	EventType    string          `json:"event_type"`
	Market       string          `json:"market"`
	AssetID      string          `json:"asset_id"`
	Price        string          `json:"price"`
	Size         string          `json:"size"`
	Side         string          `json:"side"`
	Bids         []wsLevel       `json:"bids"`
	Asks         []wsLevel       `json:"asks"`
	PriceChanges []wsPriceChange `json:"price_changes"`
}
