// internal/model/link.go
package model

import "time"

// Medium represents the transport a link runs over
type Medium string

const (
	MediumSerial Medium = "SERIAL"
	MediumUDP    Medium = "UDP"
)

// LinkState represents the current state of the link
type LinkState string

const (
	LinkStateConnecting LinkState = "CONNECTING"
	LinkStateUp         LinkState = "UP"
	LinkStateDown       LinkState = "DOWN"
	LinkStateStopped    LinkState = "STOPPED"
)

// LinkStatus is a point-in-time report of link health
type LinkStatus struct {
	Medium      Medium    `json:"medium"`
	State       LinkState `json:"state"`
	SenderID    string    `json:"sender_id"`
	PingTime    float64   `json:"ping_time"`     // [s]
	PingTimeEMA float64   `json:"ping_time_ema"` // [s]
	PingsLost   uint64    `json:"pings_lost"`
	RxBytes     uint64    `json:"rx_bytes"`
	TxBytes     uint64    `json:"tx_bytes"`
	RxRate      float64   `json:"rx_rate"` // [B/s] over the last status period
	TxRate      float64   `json:"tx_rate"` // [B/s] over the last status period
	RxErrors    uint64    `json:"rx_errors"`
	TxErrors    uint64    `json:"tx_errors"`
	LastError   string    `json:"last_error,omitempty"`
	Uptime      string    `json:"uptime"`
	Timestamp   time.Time `json:"timestamp"`
}

// IsUp reports whether the link is carrying traffic
func (s LinkStatus) IsUp() bool {
	return s.State == LinkStateUp
}
