package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
)

// Decision carries who decided a step, when, and why.
type Decision struct {
	ActorID   string
	ActorName string
	Notes     string
	At        time.Time
}

// NewInstance builds the instance a request enters its flow with: step 1 approved on
// behalf of the requester and the pointer on step 2.
func NewInstance(def Definition, requestID, requesterID string, now time.Time) Instance {
	steps := make([]StepInstance, len(def.Steps))
	for idx, s := range def.Steps {
		steps[idx] = StepInstance{StepID: s.ID, Status: StepPending}
	}

	approvedAt := now
	name := RequesterApproverName
	id := requesterID
	steps[0].Status = StepApproved
	steps[0].ApproverID = &id
	steps[0].ApproverName = &name
	steps[0].ApprovedAt = &approvedAt

	inst := Instance{
		FlowType:    def.Type,
		RequestID:   requestID,
		CurrentStep: 2,
		Steps:       steps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(def.Steps) == 1 {
		inst.CurrentStep = 1
		inst.IsCompleted = true
		inst.CompletedAt = &approvedAt
	}
	return inst
}

// CurrentStep resolves the definition step the instance is waiting on. Completed
// instances report FLOW_ALREADY_COMPLETED, decided steps STEP_ALREADY_DECIDED.
func CurrentStep(def Definition, inst Instance) (Step, error) {
	if inst.IsCompleted {
		return Step{}, errors.New(errors.ErrCodeFlowAlreadyCompleted,
			fmt.Sprintf("approval flow for request %s is already completed", inst.RequestID))
	}
	step, ok := def.StepAt(inst.CurrentStep)
	if !ok || len(inst.Steps) != len(def.Steps) {
		return Step{}, errors.New(errors.ErrCodeFlowAlreadyCompleted,
			fmt.Sprintf("approval flow for request %s has no step %d", inst.RequestID, inst.CurrentStep))
	}
	if status := inst.Steps[inst.CurrentStep-1].Status; status.Decided() {
		return Step{}, errors.New(errors.ErrCodeStepAlreadyDecided,
			fmt.Sprintf("step %s is not pending (status: %s)", step.ID, status))
	}
	return step, nil
}

// Approve approves the current step and returns the next instance value. The last
// approval completes the instance; otherwise the pointer moves forward by one.
func Approve(def Definition, inst Instance, d Decision) (Instance, error) {
	if _, err := CurrentStep(def, inst); err != nil {
		return Instance{}, err
	}

	next := inst.Clone()
	next.Steps[next.CurrentStep-1] = decided(next.Steps[next.CurrentStep-1], StepApproved, d)
	next.UpdatedAt = d.At

	if next.CurrentStep == len(def.Steps) {
		completedAt := d.At
		next.IsCompleted = true
		next.CompletedAt = &completedAt
		return next, nil
	}
	next.CurrentStep++
	return next, nil
}

// Reject rejects the current step and completes the instance. Steps after the rejected
// one are left as they were.
func Reject(def Definition, inst Instance, d Decision) (Instance, error) {
	if strings.TrimSpace(d.Notes) == "" {
		return Instance{}, errors.InvalidInput("notes", "rejection notes are required")
	}
	if _, err := CurrentStep(def, inst); err != nil {
		return Instance{}, err
	}

	next := inst.Clone()
	next.Steps[next.CurrentStep-1] = decided(next.Steps[next.CurrentStep-1], StepRejected, d)
	completedAt := d.At
	next.IsCompleted = true
	next.CompletedAt = &completedAt
	next.UpdatedAt = d.At
	return next, nil
}

func decided(s StepInstance, status StepStatus, d Decision) StepInstance {
	actorID := d.ActorID
	actorName := d.ActorName
	at := d.At
	s.Status = status
	s.ApproverID = &actorID
	s.ApproverName = &actorName
	s.ApprovedAt = &at
	if d.Notes != "" {
		notes := d.Notes
		s.Notes = &notes
	}
	return s
}
