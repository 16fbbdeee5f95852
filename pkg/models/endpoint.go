package models

import (
	"fmt"
	"time"
)

// EndpointState represents where a peer is in the connection lifecycle
type EndpointState string

const (
	StateDiscovered   EndpointState = "discovered"
	StatePendingAuth  EndpointState = "pending_auth"
	StateConnected    EndpointState = "connected"
	StateRejected     EndpointState = "rejected"
	StateDisconnected EndpointState = "disconnected"
)

// MaxConnectionAttempts bounds automatic reconnection to a lost peer
const MaxConnectionAttempts = 10

// Endpoint represents a peer device capable of running analysis jobs
type Endpoint struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	State              EndpointState    `json:"state"`
	Jobs               []string         `json:"jobs"`
	CompletedCount     int              `json:"completed_count"`
	Hardware           *HardwareProfile `json:"hardware,omitempty"`
	AuthDigits         string           `json:"auth_digits,omitempty"`
	ConnectionAttempts int              `json:"connection_attempts"`
	Discoverable       bool             `json:"discoverable"`
	LastSeen           time.Time        `json:"last_seen"`
}

// NewEndpoint creates a freshly discovered, disconnected endpoint
func NewEndpoint(id, name string) *Endpoint {
	return &Endpoint{
		ID:           id,
		Name:         name,
		State:        StateDiscovered,
		Jobs:         make([]string, 0),
		Discoverable: true,
		LastSeen:     time.Now(),
	}
}

// Connected reports whether the endpoint can currently exchange payloads
func (e *Endpoint) Connected() bool {
	return e.State == StateConnected
}

// Inactive reports whether the endpoint has no outstanding jobs
func (e *Endpoint) Inactive() bool {
	return len(e.Jobs) == 0
}

// JobCount returns the number of outstanding jobs
func (e *Endpoint) JobCount() int {
	return len(e.Jobs)
}

// AddJob records a job name as assigned to this endpoint
func (e *Endpoint) AddJob(name string) {
	e.Jobs = append(e.Jobs, name)
}

// RemoveJob removes a single occurrence of name, reporting whether one was present
func (e *Endpoint) RemoveJob(name string) bool {
	for i, job := range e.Jobs {
		if job == name {
			e.Jobs = append(e.Jobs[:i], e.Jobs[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the registry lock
func (e *Endpoint) Clone() Endpoint {
	c := *e
	c.Jobs = append(make([]string, 0, len(e.Jobs)), e.Jobs...)
	if e.Hardware != nil {
		hw := *e.Hardware
		c.Hardware = &hw
	}
	return c
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("Endpoint{id=%s, name=%s}", e.ID, e.Name)
}
