package feed

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Subscription is one consumer's registration for a set of asset ids. The
// caller owns it; the manager keeps only a registry entry that Unsubscribe
// removes.
type Subscription struct {
	id       uint64
	assetIDs map[string]struct{}
	handlers Handlers
	m        *Manager
}

// Subscribe registers handlers for the given asset ids and ensures the feed
// covers them. New ids are put on the wire immediately when connected, or
// carried in the live set replayed on the next connect.
func (m *Manager) Subscribe(assetIDs []string, handlers Handlers) *Subscription {
	sub := &Subscription{
		assetIDs: make(map[string]struct{}, len(assetIDs)),
		handlers: handlers,
		m:        m,
	}

	m.subMu.Lock()
	m.nextSubID++
	sub.id = m.nextSubID
	m.subs[sub.id] = sub

	var added []string
	for _, id := range assetIDs {
		sub.assetIDs[id] = struct{}{}
		if m.refs[id] == 0 {
			added = append(added, id)
		}
		m.refs[id]++
	}
	m.subMu.Unlock()

	if len(added) > 0 {
		if err := m.writeFrame(frame{AssetIDs: added, Type: "market"}); err != nil {
			log.Warn().Err(err).Msg("Subscribe frame failed, will replay on reconnect")
		}
	}

	log.Debug().Uint64("sub", sub.id).Int("assets", len(assetIDs)).Msg("Feed subscription added")
	return sub
}

// Unsubscribe removes the subscription and drops any asset ids no remaining
// subscriber needs. Safe to call from inside a handler; idempotent.
func (s *Subscription) Unsubscribe() {
	m := s.m

	m.subMu.Lock()
	if _, ok := m.subs[s.id]; !ok {
		m.subMu.Unlock()
		return
	}
	delete(m.subs, s.id)

	var dropped []string
	for id := range s.assetIDs {
		m.refs[id]--
		if m.refs[id] <= 0 {
			delete(m.refs, id)
			dropped = append(dropped, id)
		}
	}
	m.subMu.Unlock()

	if len(dropped) > 0 {
		if err := m.writeFrame(frame{AssetIDs: dropped, Type: "market", Action: "unsubscribe"}); err != nil {
			log.Warn().Err(err).Msg("Unsubscribe frame failed")
		}
	}
}

// SubscribePair watches two complementary outcome tokens and emits a combined
// update whenever both sides have a price. Derived locally from the per-asset
// price cache; no extra wire traffic beyond the two subscriptions.
func (m *Manager) SubscribePair(yesAssetID, noAssetID string, fn func(PairUpdate)) *Subscription {
	one := decimal.NewFromInt(1)

	emit := func(p PriceUpdate) {
		yes, okYes := m.GetPrice(yesAssetID)
		no, okNo := m.GetPrice(noAssetID)
		if !okYes || !okNo {
			return
		}
		sum := yes.Mid.Add(no.Mid)
		fn(PairUpdate{
			YesAssetID: yesAssetID,
			NoAssetID:  noAssetID,
			Yes:        yes.Mid,
			No:         no.Mid,
			Sum:        sum,
			Spread:     one.Sub(sum),
			At:         p.UpdatedAt,
		})
	}

	return m.Subscribe([]string{yesAssetID, noAssetID}, Handlers{OnPrice: emit})
}

// handlersFor snapshots the handlers of every subscription covering assetID,
// so delivery runs without holding the registry lock and a handler may
// unsubscribe itself.
func (m *Manager) handlersFor(assetID string) []Handlers {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	var out []Handlers
	for _, sub := range m.subs {
		if _, ok := sub.assetIDs[assetID]; ok {
			out = append(out, sub.handlers)
		}
	}
	return out
}

// broadcastError delivers a connection-level error to every subscription.
func (m *Manager) broadcastError(err error) {
	m.subMu.RLock()
	handlers := make([]Handlers, 0, len(m.subs))
	for _, sub := range m.subs {
		handlers = append(handlers, sub.handlers)
	}
	m.subMu.RUnlock()

	for _, h := range handlers {
		if h.OnError != nil {
			h.OnError(err)
		}
	}
}
