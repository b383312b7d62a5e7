package transfer

type Role int

const (
	RoleSend Role = iota
	RoleReceive
)

func (r Role) String() string {
	if r == RoleSend {
		return "send"
	}
	return "receive"
}

type State int

const (
	StateIdle State = iota
	StateRequestSent
	StateAwaitingAck
	StateAwaitingData
	StateTransferring
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateRequestSent:  "request-sent",
	StateAwaitingAck:  "awaiting-ack",
	StateAwaitingData: "awaiting-data",
	StateTransferring: "transferring",
	StateCompleted:    "completed",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether s ends a session.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }
