// Package feed multiplexes many logical market subscriptions over one
// physical WebSocket connection to the CLOB market feed.
//
// The manager owns the connection outright: it dials, pings, reads, and
// reconnects on its own goroutines, and after every reconnect it re-sends the
// subscribe frame for the full live asset set before reporting itself
// connected. Subscribers register typed handlers and receive only the events
// for asset ids they asked for; errors are broadcast to everyone.
package feed

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultReconnectDelay = 5 * time.Second
	pingInterval          = 30 * time.Second
)

var errStopped = errors.New("feed: manager stopped")

// State is the connection lifecycle state of the manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Manager owns the market feed connection and the subscription registry.
type Manager struct {
	wsURL          string
	reconnectDelay time.Duration

	mu      sync.Mutex // guards conn, state, running, and all writes to conn
	conn    *websocket.Conn
	state   State
	running bool
	stopCh  chan struct{}

	subMu     sync.RWMutex
	nextSubID uint64
	subs      map[uint64]*Subscription
	refs      map[string]int // asset id -> subscriber count

	cacheMu sync.RWMutex
	prices  map[string]PriceUpdate
	books   map[string]BookUpdate
}

// NewManager creates a manager for the given feed URL. Call Start to connect.
func NewManager(wsURL string) *Manager {
	return &Manager{
		wsURL:          wsURL,
		reconnectDelay: defaultReconnectDelay,
		state:          StateDisconnected,
		stopCh:         make(chan struct{}),
		subs:           make(map[uint64]*Subscription),
		refs:           make(map[string]int),
		prices:         make(map[string]PriceUpdate),
		books:          make(map[string]BookUpdate),
	}
}

// Start connects and begins processing. Safe to call again after Stop; the
// subscription registry survives a restart and is replayed on reconnect.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	select {
	case <-m.stopCh:
		// Restarting after Stop: the old channel is already closed.
		m.stopCh = make(chan struct{})
	default:
	}
	stopCh := m.stopCh
	m.mu.Unlock()

	go m.connectionLoop(stopCh)
	log.Info().Str("url", m.wsURL).Msg("📡 Market feed started")
}

// Stop closes the connection and halts reconnection.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected

	log.Info().Msg("Market feed stopped")
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the feed is connected and subscribed.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// GetPrice returns the latest cached price for an asset id.
func (m *Manager) GetPrice(assetID string) (PriceUpdate, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	p, ok := m.prices[assetID]
	return p, ok
}

// GetBook returns the latest cached book snapshot for an asset id.
func (m *Manager) GetBook(assetID string) (BookUpdate, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	b, ok := m.books[assetID]
	return b, ok
}

// GetAllPrices returns a copy of every cached price keyed by asset id.
func (m *Manager) GetAllPrices() map[string]PriceUpdate {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	out := make(map[string]PriceUpdate, len(m.prices))
	for id, p := range m.prices {
		out[id] = p
	}
	return out
}

// connectionLoop maintains the WebSocket connection until stopCh closes.
func (m *Manager) connectionLoop(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if err := m.connect(stopCh); err != nil {
			log.Error().Err(err).Msg("Feed connection failed, retrying...")
			m.setState(stopCh, StateReconnecting)
			select {
			case <-stopCh:
				return
			case <-time.After(m.reconnectDelay):
			}
			continue
		}

		m.readLoop(stopCh)

		m.setState(stopCh, StateReconnecting)
		select {
		case <-stopCh:
			return
		case <-time.After(m.reconnectDelay):
		}
	}
}

// connect dials the feed and re-sends the subscribe frame for the full live
// set. The manager only reports StateConnected once that frame is on the wire;
// dropping active subscriptions across a reconnect is not acceptable.
func (m *Manager) connect(stopCh chan struct{}) error {
	m.setState(stopCh, StateConnecting)

	conn, _, err := websocket.DefaultDialer.Dial(m.wsURL, nil)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.stopCh != stopCh {
		m.mu.Unlock()
		conn.Close()
		return errStopped
	}
	m.conn = conn
	m.mu.Unlock()

	if ids := m.liveSet(); len(ids) > 0 {
		if err := m.writeFrame(frame{AssetIDs: ids, Type: "market"}); err != nil {
			conn.Close()
			return err
		}
	}

	m.setState(stopCh, StateConnected)
	log.Info().Int("assets", len(m.liveSet())).Msg("🔌 Market feed connected")

	go m.pingLoop(conn, stopCh)
	return nil
}

// setState records a transition, ignoring writes from goroutines of a
// previous Start/Stop cycle.
func (m *Manager) setState(stopCh chan struct{}, s State) {
	m.mu.Lock()
	if m.stopCh == stopCh {
		m.state = s
	}
	m.mu.Unlock()
}

// liveSet returns every asset id at least one subscription needs.
func (m *Manager) liveSet() []string {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	ids := make([]string, 0, len(m.refs))
	for id := range m.refs {
		ids = append(ids, id)
	}
	return ids
}

// writeFrame marshals and sends a control frame over the current connection.
func (m *Manager) writeFrame(f frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		// Buffered implicitly: the live set is replayed on the next connect.
		return nil
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// pingLoop keeps the given connection alive until it is replaced or the
// manager stops.
func (m *Manager) pingLoop(conn *websocket.Conn, stopCh chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			current := m.conn == conn
			if current {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
			m.mu.Unlock()
			if !current {
				return
			}
		}
	}
}

// readLoop reads until error or shutdown.
func (m *Manager) readLoop(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			stopped := false
			select {
			case <-stopCh:
				stopped = true
			default:
			}
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()
			if !stopped {
				log.Warn().Err(err).Msg("Feed read error")
				m.broadcastError(err)
			}
			return
		}

		m.processMessage(data)
	}
}
