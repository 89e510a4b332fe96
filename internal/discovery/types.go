package discovery

import (
	"time"
)

type Status string

const (
	StatusOnline   Status = "ONLINE"
	StatusOffline  Status = "OFFLINE"
	StatusDegraded Status = "DEGRADED"
	StatusStarting Status = "STARTING"
	StatusStopping Status = "STOPPING"

	// StatusUnknown is the state of a peer before its first signal and after
	// it unregisters.
	StatusUnknown Status = "UNKNOWN"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusDegraded, StatusStarting, StatusStopping:
		return true
	}
	return false
}

type ServiceInfo struct {
	ServiceID    string            `json:"serviceId"`
	ServiceType  string            `json:"serviceType"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Status       Status            `json:"status"`
	LastSeen     time.Time         `json:"lastSeen"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registeredAt"`
}

func (s ServiceInfo) HasCapability(capability string) bool {
	for _, c := range s.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (s ServiceInfo) clone() ServiceInfo {
	out := s
	out.Capabilities = append([]string(nil), s.Capabilities...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// announcement is the payload of register, heartbeat, unregister and status
// envelopes.
type announcement struct {
	ServiceID      string            `json:"serviceId"`
	ServiceType    string            `json:"serviceType,omitempty"`
	Version        string            `json:"version,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Status         Status            `json:"status,omitempty"`
	PreviousStatus Status            `json:"previousStatus,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type EventKind string

const (
	// EventStatusChanged reports a transition of a tracked peer or of self.
	EventStatusChanged EventKind = "statusChanged"
	// EventObserved reports a status claim one peer made about another.
	EventObserved EventKind = "observed"
)

type Event struct {
	Kind     EventKind
	Service  ServiceInfo
	Previous Status
	Current  Status
	// Reporter is the service that broadcast an observed status.
	Reporter string
	Reason   string
}

// Filter narrows ListServices. Zero fields match everything.
type Filter struct {
	ServiceType string
	Capability  string
	Status      Status
}

func (f Filter) match(s ServiceInfo) bool {
	if f.ServiceType != "" && s.ServiceType != f.ServiceType {
		return false
	}
	if f.Capability != "" && !s.HasCapability(f.Capability) {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}
