package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arloliu/fleet/types"
)

// ErrInvalidRecord is returned when a stored heartbeat cannot be used as a worker endpoint.
var ErrInvalidRecord = errors.New("invalid heartbeat record")

// Record is the value stored under a worker's heartbeat key.
type Record struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	ContainerRef string    `json:"containerRef,omitempty"`
	At           time.Time `json:"at"`
}

// Key returns the heartbeat key of a worker.
func Key(prefix, workerID string) string {
	return prefix + "." + workerID
}

// WorkerIDFromKey strips the prefix from a heartbeat key.
//
// Returns:
//   - string: Worker ID
//   - bool: false when key does not belong to prefix
func WorkerIDFromKey(prefix, key string) (string, bool) {
	id, ok := strings.CutPrefix(key, prefix+".")
	if !ok || id == "" {
		return "", false
	}

	return id, true
}

// NewRecord builds the record for an endpoint at the given time.
func NewRecord(ep types.WorkerEndpoint, at time.Time) Record {
	return Record{
		ID:           ep.ID,
		Address:      ep.Address,
		Port:         ep.Port,
		ContainerRef: ep.ContainerRef,
		At:           at.UTC(),
	}
}

// Encode marshals the record.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Endpoint converts the record into a worker endpoint.
func (r Record) Endpoint() types.WorkerEndpoint {
	return types.WorkerEndpoint{
		ID:           r.ID,
		ContainerRef: r.ContainerRef,
		Address:      r.Address,
		Port:         r.Port,
	}
}

// DecodeRecord parses a stored record.
//
// Returns ErrInvalidRecord when the JSON is malformed, or when the record
// lacks an ID, an address or a valid port.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if r.ID == "" || r.Address == "" || r.Port <= 0 || r.Port > 65535 {
		return Record{}, fmt.Errorf("%w: id=%q address=%q port=%d", ErrInvalidRecord, r.ID, r.Address, r.Port)
	}

	return r, nil
}
