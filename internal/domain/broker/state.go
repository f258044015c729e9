package broker

// ConnectionState describes the lifecycle of the single supervised broker session.
type ConnectionState int

const (
	// StateDisconnected means no session is established.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a connect attempt sequence is in progress.
	StateConnecting
	// StateConnected means the session is established.
	StateConnected
	// StateReconnecting means a reconnect (disconnect then connect) is in progress.
	StateReconnecting
	// StateFailed means connect retries were exhausted.
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name for JSON/YAML encoders.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
