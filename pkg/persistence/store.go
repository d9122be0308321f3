// Package persistence implements the orchestrator's durability layer: an
// append-only event log plus a compacted terminal-result store, backed
// by BoltDB. Recovery never relies on in-memory state (spec.md §4.6).
package persistence

import (
	"time"

	"github.com/fenwicklabs/testkiln/pkg/types"
)

// EventType enumerates the durable transitions the scheduler records.
type EventType string

const (
	EventPlanSubmitted    EventType = "plan_submitted"
	EventRequestEnqueued  EventType = "request_enqueued"
	EventRequestAllocated EventType = "request_allocated"
	EventRequestRunning   EventType = "request_running"
	EventRequestTerminal  EventType = "request_terminal"
	EventEnvStateChanged  EventType = "env_state_changed"
)

// Event is one append-only log record. Unknown event types decoded from
// an older or newer schema are preserved verbatim and passed through on
// recovery, per spec.md §6's backward-compatibility contract.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	TestID    string    `json:"test_id,omitempty"`
	PlanID    string    `json:"plan_id,omitempty"`
	EnvID     string    `json:"env_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
}

// Store is the durability contract used by the scheduler, resource
// manager, status tracker and recovery coordinator.
type Store interface {
	// AppendEvent durably appends a log record and returns its sequence
	// number. Must be durable before the caller proceeds with whatever
	// the event records (see spec.md §4.6's ordering rules).
	AppendEvent(ev Event) (uint64, error)

	// ListEvents returns every event in ascending sequence order.
	ListEvents() ([]Event, error)

	// PutPlan durably records an accepted plan submission. Upsert.
	PutPlan(plan *types.ExecutionPlan) error
	GetPlan(planID string) (*types.ExecutionPlan, error)

	// PutResult is an idempotent upsert keyed by (test_id, attempt): two
	// writes for the same key converge to the same stored value (P9).
	PutResult(result *types.TestResult) error
	GetResult(testID string, attempt int) (*types.TestResult, error)

	// GetLatestResult resolves the highest-attempt (i.e. final/winning)
	// result recorded for testID, the result a caller asking "what
	// happened to this test" actually wants rather than any one
	// superseded retry attempt.
	GetLatestResult(testID string) (*types.TestResult, error)
	ListResults() ([]*types.TestResult, error)

	// Environment snapshot, used by the recovery coordinator to
	// rehydrate the pool (forced back to PROVISIONING on restart).
	PutEnvironment(env *types.Environment) error
	ListEnvironments() ([]*types.Environment, error)
	DeleteEnvironment(id string) error

	Close() error
}
