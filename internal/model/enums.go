package model

type SessionState string

const (
	SessionStateConnecting SessionState = "connecting"
	SessionStateConnected  SessionState = "connected"
	SessionStateListening  SessionState = "listening"
	SessionStateThinking   SessionState = "thinking"
	SessionStateSpeaking   SessionState = "speaking"
	SessionStateSuspended  SessionState = "suspended"
	SessionStateEnded      SessionState = "ended"
)

// IsTerminal reports whether no further coordinator transition may leave s.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateSuspended || s == SessionStateEnded
}

type TurnOwner string

const (
	TurnOwnerNone  TurnOwner = "none"
	TurnOwnerUser  TurnOwner = "user"
	TurnOwnerAgent TurnOwner = "agent"
)

type EndReason string

const (
	EndReasonInsufficientCredit EndReason = "insufficient_credit"
	EndReasonDisconnected       EndReason = "disconnected"
	EndReasonIdleTimeout        EndReason = "idle_timeout"
	EndReasonShutdown           EndReason = "shutdown"
)

type LedgerReason string

const (
	LedgerReasonSessionUsage LedgerReason = "session_usage"
	LedgerReasonTopup        LedgerReason = "topup"
	LedgerReasonRefund       LedgerReason = "refund"
	LedgerReasonAdjustment   LedgerReason = "adjustment"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusApplied  PaymentStatus = "applied"
	PaymentStatusRejected PaymentStatus = "rejected"
)
