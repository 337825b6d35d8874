package feed

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// processMessage demultiplexes one raw frame. The feed sends both single
// objects and arrays (the initial book dump is an array).
func (m *Manager) processMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		switch msg.EventType {
		case "book":
			m.handleBook(msg)
		case "price_change":
			m.handlePriceChange(msg)
		case "last_trade_price":
			m.handleLastTrade(msg)
		}
	}
}

func (m *Manager) handleBook(msg wsMessage) {
	now := time.Now()

	book := BookUpdate{
		AssetID:   msg.AssetID,
		Market:    msg.Market,
		Bids:      parseLevels(msg.Bids),
		Asks:      parseLevels(msg.Asks),
		UpdatedAt: now,
	}

	price := PriceUpdate{
		AssetID:   msg.AssetID,
		Market:    msg.Market,
		UpdatedAt: now,
	}
	if len(book.Bids) > 0 {
		price.BestBid = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		price.BestAsk = book.Asks[0].Price
	}
	price.Mid = price.BestBid.Add(price.BestAsk).Div(decimal.NewFromInt(2))
	price.Spread = price.BestAsk.Sub(price.BestBid)

	m.cacheMu.Lock()
	m.books[msg.AssetID] = book
	m.prices[msg.AssetID] = price
	m.cacheMu.Unlock()

	for _, h := range m.handlersFor(msg.AssetID) {
		if h.OnBook != nil {
			h.OnBook(book)
		}
		if h.OnPrice != nil {
			h.OnPrice(price)
		}
	}
}

func (m *Manager) handlePriceChange(msg wsMessage) {
	now := time.Now()

	// Newer feed versions batch changes per market; older ones put the fields
	// on the envelope itself.
	changes := msg.PriceChanges
	if len(changes) == 0 && msg.AssetID != "" {
		changes = []wsPriceChange{{AssetID: msg.AssetID, Price: msg.Price, Side: msg.Side}}
	}

	for _, ch := range changes {
		bestBid, _ := decimal.NewFromString(ch.BestBid)
		bestAsk, _ := decimal.NewFromString(ch.BestAsk)

		mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
		if bestBid.IsZero() && bestAsk.IsZero() {
			// Older feed shape carries only the traded price.
			mid, _ = decimal.NewFromString(ch.Price)
		}

		price := PriceUpdate{
			AssetID:   ch.AssetID,
			Market:    msg.Market,
			BestBid:   bestBid,
			BestAsk:   bestAsk,
			Mid:       mid,
			Spread:    bestAsk.Sub(bestBid),
			UpdatedAt: now,
		}

		m.cacheMu.Lock()
		m.prices[ch.AssetID] = price
		m.cacheMu.Unlock()

		for _, h := range m.handlersFor(ch.AssetID) {
			if h.OnPrice != nil {
				h.OnPrice(price)
			}
		}
	}
}

func (m *Manager) handleLastTrade(msg wsMessage) {
	price, _ := decimal.NewFromString(msg.Price)
	size, _ := decimal.NewFromString(msg.Size)

	trade := TradeEvent{
		AssetID: msg.AssetID,
		Market:  msg.Market,
		Price:   price,
		Size:    size,
		Side:    msg.Side,
		At:      time.Now(),
	}

	for _, h := range m.handlersFor(msg.AssetID) {
		if h.OnTrade != nil {
			h.OnTrade(trade)
		}
	}
}

func parseLevels(levels []wsLevel) []BookLevel {
	out := make([]BookLevel, 0, len(levels))
	for _, l := range levels {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			continue
		}
		size, _ := decimal.NewFromString(l.Size)
		out = append(out, BookLevel{Price: price, Size: size})
	}
	return out
}
