// Package chain monitors conditional-token transfer events on Polygon.
//
// The monitor prefers a push subscription over a WebSocket RPC endpoint and
// degrades to height-delta polling over HTTP when push is unavailable, so a
// connected monitor always produces events. Push failures are retried up to a
// configured budget before the monitor settles into polling; an explicit
// ResumePush switches back. Events fan out to callback listeners and to a
// shared pull-based stream.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned by calls that need a chain client before
// Connect or after Disconnect.
var ErrNotConnected = errors.New("chain: monitor not connected")

const (
	defaultPollInterval         = 15 * time.Second
	defaultReconnectDelay       = 5 * time.Second
	defaultMaxReconnectAttempts = 3

	pushLogBuffer = 256
)

// Config controls the monitor. Zero values take the stated defaults.
type Config struct {
	RPCURL string // HTTP endpoint, required
	WSURL  string // WebSocket endpoint for push mode

	PollInterval         time.Duration // default 15s
	MinTransferValue     string        // raw units, decimal string; "" disables
	AutoReconnect        bool          // default true via NewMonitor
	ReconnectDelay       time.Duration // default 5s
	MaxReconnectAttempts int           // default 3
	PushEnabled          bool          // default true via NewMonitor
}

// DefaultConfig returns a config with every optional knob at its default.
func DefaultConfig(rpcURL, wsURL string) Config {
	return Config{
		RPCURL:               rpcURL,
		WSURL:                wsURL,
		PollInterval:         defaultPollInterval,
		AutoReconnect:        true,
		ReconnectDelay:       defaultReconnectDelay,
		MaxReconnectAttempts: defaultMaxReconnectAttempts,
		PushEnabled:          true,
	}
}

// ListenerHandle unregisters one transfer callback.
type ListenerHandle struct {
	id int
	m  *Monitor
}

// Remove unregisters the callback. Safe to call from inside the callback.
func (h *ListenerHandle) Remove() {
	h.m.mu.Lock()
	delete(h.m.listeners, h.id)
	h.m.mu.Unlock()
}

// Monitor owns all connectivity to the chain node. All state mutation happens
// on its internal goroutines; external readers get snapshots.
type Monitor struct {
	cfg      Config
	minValue *big.Int

	// dialers are swappable for tests
	dialHTTP func(ctx context.Context, url string) (Backend, error)
	dialWS   func(ctx context.Context, url string) (PushBackend, error)

	mu                sync.Mutex
	http              Backend
	push              PushBackend
	running           bool
	stopped           bool
	mode              Mode
	connectedSince    time.Time
	eventsObserved    uint64
	lastEventAt       time.Time
	reconnectAttempts int
	lastScanned       uint64
	stopCh            chan struct{}
	pollCancel        chan struct{}

	nextListener int
	listeners    map[int]func(TransferEvent)
	stream       *TransferStream
}

// NewMonitor creates a monitor. Call Connect to start it.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	var minValue *big.Int
	if cfg.MinTransferValue != "" {
		v, ok := new(big.Int).SetString(cfg.MinTransferValue, 10)
		if !ok {
			return nil, fmt.Errorf("chain: invalid min transfer value %q", cfg.MinTransferValue)
		}
		minValue = v
	}

	return &Monitor{
		cfg:       cfg,
		minValue:  minValue,
		dialHTTP:  dialHTTP,
		dialWS:    dialWS,
		mode:      ModeDisconnected,
		listeners: make(map[int]func(TransferEvent)),
	}, nil
}

// Connect initializes the HTTP client, records the current height as the
// polling cursor, and attempts push mode. Push trouble never fails Connect;
// the monitor falls back to polling instead.
func (m *Monitor) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	http := m.http
	m.mu.Unlock()

	if http == nil {
		c, err := m.dialHTTP(ctx, m.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("chain: dial rpc: %w", err)
		}
		http = c
	}

	height, err := http.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain: block number: %w", err)
	}

	m.mu.Lock()
	m.http = http
	m.running = true
	m.stopped = false
	m.lastScanned = height
	m.connectedSince = time.Now()
	m.reconnectAttempts = 0
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	log.Info().Uint64("height", height).Msg("⛓️ Chain monitor connected")

	if !m.cfg.PushEnabled {
		m.startPolling()
		return nil
	}
	if err := m.startPush(ctx); err != nil {
		log.Warn().Err(err).Msg("Push mode unavailable, falling back to polling")
		m.startPolling()
	}
	return nil
}

// Disconnect stops polling, tears down the push connection, closes the pull
// stream, and resets the mode. Idempotent.
func (m *Monitor) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	close(m.stopCh)
	if m.push != nil {
		m.push.Close()
		m.push = nil
	}
	m.mode = ModeDisconnected
	stream := m.stream
	m.mu.Unlock()

	if stream != nil {
		stream.close()
	}
	log.Info().Msg("Chain monitor disconnected")
}

// IsConnected reports whether the monitor is running in any mode.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Mode returns the current delivery mode.
func (m *Monitor) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Stats returns a snapshot of the connection state.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Mode:              m.mode,
		ConnectedSince:    m.connectedSince,
		EventsObserved:    m.eventsObserved,
		LastEventAt:       m.lastEventAt,
		ReconnectAttempts: m.reconnectAttempts,
		LastScannedBlock:  m.lastScanned,
	}
}

// OnTransfer registers a callback for every filtered transfer event.
func (m *Monitor) OnTransfer(fn func(TransferEvent)) *ListenerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListener++
	m.listeners[m.nextListener] = fn
	return &ListenerHandle{id: m.nextListener, m: m}
}

// SubscribeAllTransfers returns the monitor's shared pull stream. Concurrent
// readers split the stream: each event is delivered to exactly one of them.
func (m *Monitor) SubscribeAllTransfers() *TransferStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		m.stream = newTransferStream()
		if m.stopped {
			m.stream.close()
		}
	}
	return m.stream
}

// HistoricalTransfers queries transfer logs from both exchange contracts for
// the inclusive block range and returns them sorted by ascending block
// number. Timestamps are left unresolved (0). Fails when not connected.
func (m *Monitor) HistoricalTransfers(ctx context.Context, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	m.mu.Lock()
	http := m.http
	running := m.running
	m.mu.Unlock()

	if !running || http == nil {
		return nil, ErrNotConnected
	}

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{
			common.HexToAddress(CTFExchangeAddress),
			common.HexToAddress(NegRiskExchangeAddress),
		},
		Topics: [][]common.Hash{{transferSingleTopic, transferBatchTopic}},
	}

	logs, err := http.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs [%d, %d]: %w", fromBlock, toBlock, err)
	}

	var events []TransferEvent
	for _, lg := range logs {
		events = append(events, decodeTransferLog(lg, 0)...)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].BlockNumber < events[j].BlockNumber
	})
	return events, nil
}

// ResumePush switches a polling monitor back to push mode on demand.
func (m *Monitor) ResumePush(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.mode == ModePush {
		m.mu.Unlock()
		return nil
	}
	cancel := m.pollCancel
	m.pollCancel = nil
	m.reconnectAttempts = 0
	m.mu.Unlock()

	if cancel != nil {
		close(cancel)
	}
	if err := m.startPush(ctx); err != nil {
		m.startPolling()
		return fmt.Errorf("chain: resume push: %w", err)
	}
	return nil
}

// startPush dials the WS endpoint and subscribes to transfer events on the
// token contract and its adapter.
func (m *Monitor) startPush(ctx context.Context) error {
	if m.cfg.WSURL == "" {
		return errors.New("chain: no websocket endpoint configured")
	}

	push, err := m.dialWS(ctx, m.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("chain: dial ws: %w", err)
	}

	q := ethereum.FilterQuery{
		Addresses: []common.Address{
			common.HexToAddress(ConditionalTokensAddress),
			common.HexToAddress(NegRiskAdapterAddress),
		},
		Topics: [][]common.Hash{{transferSingleTopic, transferBatchTopic}},
	}

	logs := make(chan types.Log, pushLogBuffer)
	sub, err := push.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		push.Close()
		return fmt.Errorf("chain: subscribe logs: %w", err)
	}

	m.mu.Lock()
	m.push = push
	m.mode = ModePush
	m.connectedSince = time.Now()
	m.mu.Unlock()

	log.Info().Msg("⛓️ Push mode active")
	go m.runPush(sub, logs, push)
	return nil
}

// runPush consumes the live subscription until failure or shutdown.
func (m *Monitor) runPush(sub ethereum.Subscription, logs chan types.Log, push PushBackend) {
	m.mu.Lock()
	stopCh := m.stopCh
	m.mu.Unlock()

	for {
		select {
		case <-stopCh:
			sub.Unsubscribe()
			return

		case err := <-sub.Err():
			push.Close()
			m.mu.Lock()
			if m.push == push {
				m.push = nil
			}
			stillRunning := m.running
			if stillRunning {
				m.mode = ModeDisconnected
			}
			m.mu.Unlock()
			if !stillRunning {
				return
			}
			log.Warn().Err(err).Msg("Push subscription lost")
			m.recoverPush()
			return

		case lg := <-logs:
			// Push notifications carry no block timestamp; stamp receive time.
			for _, ev := range decodeTransferLog(lg, time.Now().Unix()) {
				m.dispatch(ev)
			}
		}
	}
}

// recoverPush retries push mode within the attempt budget, then falls back to
// polling. The monitor stays usable throughout.
func (m *Monitor) recoverPush() {
	for {
		m.mu.Lock()
		if !m.running {
			m.mu.Unlock()
			return
		}
		if !m.cfg.AutoReconnect || m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
			m.mu.Unlock()
			m.startPolling()
			return
		}
		m.reconnectAttempts++
		attempt := m.reconnectAttempts
		stopCh := m.stopCh
		m.mu.Unlock()

		select {
		case <-stopCh:
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}

		err := m.startPush(context.Background())
		if err == nil {
			m.mu.Lock()
			m.reconnectAttempts = 0
			m.mu.Unlock()
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("max", m.cfg.MaxReconnectAttempts).
			Msg("Push reconnect failed")
	}
}

// startPolling begins height-delta polling unless already polling or stopped.
func (m *Monitor) startPolling() {
	m.mu.Lock()
	if !m.running || m.mode == ModePolling {
		m.mu.Unlock()
		return
	}
	m.mode = ModePolling
	cancel := make(chan struct{})
	m.pollCancel = cancel
	stopCh := m.stopCh
	m.mu.Unlock()

	log.Info().Dur("interval", m.cfg.PollInterval).Msg("⛓️ Polling mode active")
	go m.runPolling(stopCh, cancel)
}

func (m *Monitor) runPolling(stopCh, cancel chan struct{}) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-cancel:
			return
		case <-ticker.C:
			if err := m.pollOnce(context.Background()); err != nil {
				// A failed tick does not stop the loop.
				log.Warn().Err(err).Msg("Poll tick failed")
			}
		}
	}
}

// pollOnce advances the cursor over any newly mined blocks and feeds their
// transfer logs through the event pipeline.
func (m *Monitor) pollOnce(ctx context.Context) error {
	m.mu.Lock()
	http := m.http
	last := m.lastScanned
	m.mu.Unlock()
	if http == nil {
		return ErrNotConnected
	}

	height, err := http.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain: block number: %w", err)
	}
	if height <= last {
		return nil
	}

	events, err := m.HistoricalTransfers(ctx, last+1, height)
	if err != nil {
		return err
	}
	for _, ev := range events {
		m.dispatch(ev)
	}

	m.mu.Lock()
	m.lastScanned = height
	m.mu.Unlock()

	if len(events) > 0 {
		log.Debug().Int("events", len(events)).Uint64("from", last+1).Uint64("to", height).
			Msg("Poll scan complete")
	}
	return nil
}

// dispatch runs one event through the common pipeline: minimum-value filter,
// state counters, callback fan-out, pull-stream hand-off.
func (m *Monitor) dispatch(ev TransferEvent) {
	if m.minValue != nil {
		amount, ok := new(big.Int).SetString(ev.Amount, 10)
		if !ok || amount.Cmp(m.minValue) < 0 {
			return
		}
	}

	m.mu.Lock()
	m.eventsObserved++
	m.lastEventAt = time.Now()
	callbacks := make([]func(TransferEvent), 0, len(m.listeners))
	for _, fn := range m.listeners {
		callbacks = append(callbacks, fn)
	}
	stream := m.stream
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(ev)
	}
	if stream != nil {
		stream.push(ev)
	}
}
