package realtime

import "time"

// Event type names for the small, versioned event set the engine pushes.
const (
	EventRoundCommit      = "round_commit"
	EventBettingOpen      = "betting_open"
	EventRunningStart     = "running_start"
	EventMultiplierTick   = "multiplier_tick"
	EventCrash            = "crash"
	EventBetAccepted      = "bet_accepted"
	EventBetRejected      = "bet_rejected"
	EventCashoutAccepted  = "cashout_accepted"
	EventCashoutRejected  = "cashout_rejected"
	EventStateSnapshot    = "state_snapshot"
)

type RoundCommitData struct {
	RoundID       string    `json:"round_id"`
	CommitHash    string    `json:"commit_hash"`
	BettingEndsAt time.Time `json:"betting_ends_at"`
}

type BettingOpenData struct {
	RoundID         string    `json:"round_id"`
	CommitHash      string    `json:"commit_hash"`
	BettingStartsAt time.Time `json:"betting_starts_at"`
	BettingEndsAt   time.Time `json:"betting_ends_at"`
}

type RunningStartData struct {
	RoundID         string    `json:"round_id"`
	RunningStartedAt time.Time `json:"running_started_at"`
}

type MultiplierTickData struct {
	RoundID    string    `json:"round_id"`
	MPPM       int64     `json:"m_ppm"`
	ServerTime time.Time `json:"server_time"`
}

type CrashData struct {
	RoundID       string `json:"round_id"`
	CrashPPM      int64  `json:"crash_ppm"`
	ServerSeed    string `json:"server_seed"`
	ClientEntropy string `json:"client_entropy"`
}

type BetAcceptedData struct {
	ClientID string `json:"client_id"`
	BetID    string `json:"bet_id"`
}

type BetRejectedData struct {
	ClientID string `json:"client_id"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
}

type CashoutAcceptedData struct {
	ClientID      string `json:"client_id"`
	BetID         string `json:"bet_id"`
	MultiplierPPM int64  `json:"multiplier_ppm"`
	Payout        string `json:"payout"`
}

type CashoutRejectedData struct {
	ClientID string `json:"client_id"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
}

// StateSnapshotData resyncs a client that has fallen too far behind the
// replay ring.
type StateSnapshotData struct {
	Phase         string `json:"phase"`
	RoundID       string `json:"round_id"`
	CommitHash    string `json:"commit_hash,omitempty"`
	MPPM          int64  `json:"m_ppm,omitempty"`
	RecentEvents  []Event `json:"recent_events"`
}
