package types

import (
	"net"
	"strconv"
	"time"
)

// WorkerStatus is the availability of a worker as tracked by the registry.
type WorkerStatus int

const (
	// StatusUnknown is reserved for discovery backends that cannot classify
	// a newly seen worker yet. Assignment logic never sets it.
	StatusUnknown WorkerStatus = iota

	// StatusFree means the worker holds no outstanding assignment.
	StatusFree

	// StatusBusy means the worker holds exactly one outstanding assignment.
	StatusBusy
)

// String returns the string representation of the status.
func (s WorkerStatus) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its lowercase name.
func (s WorkerStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name; unrecognized names decode to StatusUnknown.
func (s *WorkerStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "free":
		*s = StatusFree
	case "busy":
		*s = StatusBusy
	default:
		*s = StatusUnknown
	}

	return nil
}

// WorkerEndpoint is a single live worker as reported by a discovery backend.
type WorkerEndpoint struct {
	// ID is the opaque identifier from the discovery source. It stays stable
	// across refreshes while the worker lives.
	ID string `json:"id"`

	// ContainerRef is a short human-readable instance identifier for logs.
	ContainerRef string `json:"containerRef,omitempty"`

	// Address is the current network address (IP or hostname).
	Address string `json:"address"`

	// Port is the worker's HTTP port.
	Port int `json:"port"`
}

// BaseURL returns the worker's HTTP base URL, e.g. "http://10.0.1.7:8080".
func (e WorkerEndpoint) BaseURL() string {
	return "http://" + net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// WorkerRecord is one registry entry per live worker.
//
// Records are returned by value from the registry; mutating a returned record
// has no effect on registry state.
type WorkerRecord struct {
	ID           string       `json:"id"`
	ContainerRef string       `json:"containerRef,omitempty"`
	Address      string       `json:"address"`
	Port         int          `json:"port"`
	Status       WorkerStatus `json:"status"`

	// JobID is the job currently holding the worker. Empty when free.
	JobID string `json:"jobId,omitempty"`

	// LastAssignedAt is set iff Status is StatusBusy.
	LastAssignedAt time.Time `json:"lastAssignedAt,omitzero"`

	// LastSeenAt is the time of the most recent successful discovery sighting.
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Endpoint returns the network endpoint of the record.
func (w WorkerRecord) Endpoint() WorkerEndpoint {
	return WorkerEndpoint{
		ID:           w.ID,
		ContainerRef: w.ContainerRef,
		Address:      w.Address,
		Port:         w.Port,
	}
}

// BaseURL returns the worker's HTTP base URL.
func (w WorkerRecord) BaseURL() string {
	return w.Endpoint().BaseURL()
}

// FleetStatus is a point-in-time snapshot of the registry.
type FleetStatus struct {
	Total   int            `json:"total"`
	Free    int            `json:"free"`
	Busy    int            `json:"busy"`
	Workers []WorkerRecord `json:"workers"`
}
