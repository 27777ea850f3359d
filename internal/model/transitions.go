package model

import "errors"

// ErrInvalidTransition is returned when a status change is not allowed
var ErrInvalidTransition = errors.New("invalid status transition")

// StateMachine enforces status transitions
type StateMachine[S ~string] struct {
	allowed map[S][]S
}

// NewStateMachine creates a state machine from an allowed-transitions table
func NewStateMachine[S ~string](allowed map[S][]S) *StateMachine[S] {
	return &StateMachine[S]{allowed: allowed}
}

// CanTransition checks if moving from one status to another is allowed
func (sm *StateMachine[S]) CanTransition(from, to S) bool {
	for _, next := range sm.allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the next statuses for a given status
func (sm *StateMachine[S]) AllowedTransitions(from S) []S {
	return sm.allowed[from]
}

// Known reports whether the status appears in the table
func (sm *StateMachine[S]) Known(status S) bool {
	_, ok := sm.allowed[status]
	return ok
}

// AidLifecycle covers staff and citizen transitions of aid requests
var AidLifecycle = NewStateMachine(map[AidStatus][]AidStatus{
	AidStatusRequested:  {AidStatusInProgress, AidStatusCancelled},
	AidStatusInProgress: {AidStatusDelivered, AidStatusCancelled},
	AidStatusDelivered:  {},
	AidStatusCancelled:  {},
})

// EmergencyLifecycle is forward-only; skipping ahead is allowed
var EmergencyLifecycle = NewStateMachine(map[EmergencyStatus][]EmergencyStatus{
	EmergencyStatusPending:    {EmergencyStatusApproved, EmergencyStatusInProgress, EmergencyStatusDone},
	EmergencyStatusApproved:   {EmergencyStatusInProgress, EmergencyStatusDone},
	EmergencyStatusInProgress: {EmergencyStatusDone},
	EmergencyStatusDone:       {},
})

// ModerationLifecycle lets staff move a damage report between any two moderation states
var ModerationLifecycle = NewStateMachine(map[ModerationStatus][]ModerationStatus{
	ModerationPending:    {ModerationApproved, ModerationRejected, ModerationInProgress},
	ModerationApproved:   {ModerationPending, ModerationRejected, ModerationInProgress},
	ModerationRejected:   {ModerationPending, ModerationApproved, ModerationInProgress},
	ModerationInProgress: {ModerationPending, ModerationApproved, ModerationRejected},
})

// CitizenCanEdit reports whether the requester may still edit the request
func (r AidRequest) CitizenCanEdit() bool {
	return r.Status == AidStatusRequested
}

// CanDelete reports whether the request may be hard-deleted
func (r AidRequest) CanDelete() bool {
	return r.Status == AidStatusCancelled
}

// CanRate reports whether a rating may be recorded
func (r AidRequest) CanRate() bool {
	return r.Status == AidStatusDelivered
}
