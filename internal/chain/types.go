package chain

import (
	"time"
)

// Polymarket conditional-token contracts on Polygon.
//
// Push mode subscribes to the token contract and its neg-risk adapter, while
// historical queries (and therefore polling) go to the two exchange contracts.
// The address sets are intentionally kept separate: the original data path has
// always used the exchanges for backfill, and unifying the two silently would
// change which event population each mode observes.
const (
	ConditionalTokensAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	NegRiskAdapterAddress    = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"

	CTFExchangeAddress     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	NegRiskExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
)

// Mode is the delivery mode the monitor is currently running in.
type Mode string

const (
	ModeDisconnected Mode = "disconnected"
	ModePush         Mode = "push"
	ModePolling      Mode = "polling"
)

// TransferEvent is one normalized token-ownership change. TokenID and Amount
// are decimal strings so arbitrary-precision values survive any JSON hop.
// Immutable once constructed.
//
// Timestamp is the receive time for push-mode events; historical and poll-mode
// events carry 0 because log queries do not return block timestamps. The two
// populations are not timestamp-comparable without an explicit block lookup.
type TransferEvent struct {
	TxHash      string
	From        string
	To          string
	Operator    string
	TokenID     string
	Amount      string
	BlockNumber uint64
	Timestamp   int64
	IsBatch     bool
}

// Stats is a read-only snapshot of the monitor's connection state.
type Stats struct {
	Mode              Mode
	ConnectedSince    time.Time
	EventsObserved    uint64
	LastEventAt       time.Time
	ReconnectAttempts int
	LastScannedBlock  uint64
}
