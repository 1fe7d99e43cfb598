// Package audit records an append-only history of plan, step and approval
// transitions and fans it out to live subscribers.
package audit

import (
	"fmt"
	"slices"
	"time"
)

type EventType string

const (
	PlanCreated          EventType = "plan_created"
	PlanFallback         EventType = "plan_fallback"
	DependencyDropped    EventType = "dependency_dropped"
	OracleFailure        EventType = "oracle_failure"
	ApprovalGranted      EventType = "approval_granted"
	StepApprovalGranted  EventType = "step_approval_granted"
	ApprovalRejected     EventType = "approval_rejected"
	ApprovalStale        EventType = "approval_stale"
	PlanReevaluated      EventType = "plan_reevaluated"
	PlanStarted          EventType = "plan_started"
	PlanAwaitingApproval EventType = "plan_awaiting_approval"
	PlanCompleted        EventType = "plan_completed"
	PlanFailed           EventType = "plan_failed"
	PlanCancelled        EventType = "plan_cancelled"
	StepStarted          EventType = "step_started"
	StepCompleted        EventType = "step_completed"
	StepFailed           EventType = "step_failed"
	StepSkipped          EventType = "step_skipped"
	StepInterrupted      EventType = "step_interrupted"
	StepRetry            EventType = "step_retry"
	RollbackInvoked      EventType = "rollback_invoked"
	RollbackFailed       EventType = "rollback_failed"
)

const (
	ResourcePlan = "plan"
	ResourceStep = "step"
)

// StepResourceID identifies a step across plans.
func StepResourceID(planID string, ordinal int) string {
	return fmt.Sprintf("%s/steps/%d", planID, ordinal)
}

// Event is one immutable audit record. Seq increases by one per resource in
// the order transitions happened.
type Event struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	Type         EventType      `json:"event_type"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Actor        string         `json:"actor,omitempty"`
	Description  string         `json:"description"`
	Timestamp    time.Time      `json:"timestamp"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	OldValues    map[string]any `json:"old_values,omitempty"`
	NewValues    map[string]any `json:"new_values,omitempty"`
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	ResourceType string
	ResourceID   string
	Types        []EventType
	FailuresOnly bool
	Since        time.Time
}

func (f Filter) Match(e Event) bool {
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if f.FailuresOnly && e.Success {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
