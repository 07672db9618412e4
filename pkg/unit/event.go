// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package unit

import "time"

// Status is the lifecycle state of a unit's execution context.
type Status string

// Lifecycle states. Idle is initial; Stopped and Error are terminal for a
// given execution context (a new start creates a new context). Zombie is a
// sub-state of Stopping reached when a stop request was not honored within
// the supervisor's join bound.
const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusZombie   Status = "zombie"
)

// Terminal reports whether the status ends an execution context.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Active reports whether an execution context still exists for the unit.
// Zombie counts as active: its goroutine has not exited yet.
func (s Status) Active() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping, StatusZombie:
		return true
	default:
		return false
	}
}

// EventKind identifies the kind of event a unit publishes.
type EventKind string

// Event kinds carried by the signal bus.
const (
	KindStatusChanged   EventKind = "status_changed"
	KindErrorOccurred   EventKind = "error_occurred"
	KindOutputGenerated EventKind = "output_generated"
)

// Event is an immutable message published from a worker goroutine to the
// host's single event consumer. Exactly one of Status, Message, or Text is
// meaningful, selected by Kind. Ordering is per-producer FIFO; no global
// order is guaranteed across units.
type Event struct {
	UnitID string    `json:"unit_id"`
	Kind   EventKind `json:"kind"`
	Time   time.Time `json:"time"`

	// Status is set for status_changed events.
	Status Status `json:"status,omitempty"`
	// Message is set for error_occurred events.
	Message string `json:"message,omitempty"`
	// Warn marks an error_occurred event as a recoverable warning
	// (config fallback, parameter substitution, stop timeout) rather
	// than a unit failure.
	Warn bool `json:"warn,omitempty"`
	// Text is set for output_generated events.
	Text string `json:"text,omitempty"`
}

// StatusEvent builds a status_changed event.
func StatusEvent(unitID string, status Status) Event {
	return Event{UnitID: unitID, Kind: KindStatusChanged, Time: time.Now(), Status: status}
}

// ErrorEvent builds an error_occurred event for a unit failure.
func ErrorEvent(unitID, message string) Event {
	return Event{UnitID: unitID, Kind: KindErrorOccurred, Time: time.Now(), Message: message}
}

// WarningEvent builds an error_occurred event flagged as a warning.
func WarningEvent(unitID, message string) Event {
	return Event{UnitID: unitID, Kind: KindErrorOccurred, Time: time.Now(), Message: message, Warn: true}
}

// OutputEvent builds an output_generated event.
func OutputEvent(unitID, text string) Event {
	return Event{UnitID: unitID, Kind: KindOutputGenerated, Time: time.Now(), Text: text}
}
