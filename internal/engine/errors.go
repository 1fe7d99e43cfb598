package engine

import (
	"errors"

	"github.com/opsflow/guardian/internal/plan"
	"github.com/opsflow/guardian/internal/store"
)

var (
	ErrPlanNotFound      = store.ErrNotFound
	ErrInvalidTransition = plan.ErrInvalidTransition
	ErrStepNotFound      = errors.New("step not found")
	ErrNotAuthorized     = errors.New("not authorized: only designated approvers can decide on plans")
	// ErrApprovalRequired is returned when execution is requested for a plan
	// that has not received any approval yet.
	ErrApprovalRequired = errors.New("plan is waiting for approval")
	// ErrAlreadyStarted is returned by Reevaluate once any step has run.
	ErrAlreadyStarted = errors.New("plan execution already started")
	ErrClosed         = errors.New("engine closed")
)
