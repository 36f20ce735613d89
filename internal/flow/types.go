// Package flow holds the approval flow domain: the compiled-in flow definitions, the
// flow instance value and the pure transitions that move an instance forward.
package flow

import (
	"time"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
)

// FlowType identifies one of the compiled-in flow definitions.
type FlowType string

const (
	TypeImprestRequest FlowType = "imprest_request"
	TypeImprestRecap   FlowType = "imprest_recap"
	TypePettyCash      FlowType = "petty_cash"
)

// ParseFlowType validates a raw flow type.
func ParseFlowType(s string) (FlowType, error) {
	switch ft := FlowType(s); ft {
	case TypeImprestRequest, TypeImprestRecap, TypePettyCash:
		return ft, nil
	}
	return "", errors.New(errors.ErrCodeUnknownFlowType, "unknown flow type: "+s)
}

// StepRole is the role a definition step is gated on.
type StepRole string

const (
	RoleRequester                StepRole = "requester"
	RoleHeadOfDepartment         StepRole = "head_of_department"
	RoleHeadAdminHR              StepRole = "head_admin_hr"
	RoleGRCManager               StepRole = "grc_manager"
	RoleAccountsOfficer          StepRole = "accounts_officer"
	RoleFinanceHead              StepRole = "finance_head"
	RoleFinanceAuto              StepRole = "finance_auto"
	RoleAutoCalculation          StepRole = "auto_calculation"
	RoleDisbursementVerification StepRole = "disbursement_verification"
)

// Valid reports whether r is a known step role.
func (r StepRole) Valid() bool {
	switch r {
	case RoleRequester, RoleHeadOfDepartment, RoleHeadAdminHR, RoleGRCManager,
		RoleAccountsOfficer, RoleFinanceHead, RoleFinanceAuto, RoleAutoCalculation,
		RoleDisbursementVerification:
		return true
	}
	return false
}

// StepStatus is the decision state of one step instance.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
)

// Decided reports whether the step has left the pending state.
func (s StepStatus) Decided() bool {
	return s != StepPending
}

// UserRole is the organisational role of an actor.
type UserRole string

const (
	UserHeadOfDepartment UserRole = "Head of Department"
	UserHeadAdminHR      UserRole = "Head of Admin & HR"
	UserGRCManager       UserRole = "GRC Manager"
	UserAccountsOfficer  UserRole = "Accounts Officer"
	UserHeadOfFinance    UserRole = "Head of Finance"
	UserAdmin            UserRole = "Admin"
	UserDisburser        UserRole = "Disburser"
	UserFinanceUserGroup UserRole = "Finance User Group"
	UserStaff            UserRole = "Staff"
)

// RequestStatus is the status the engine writes onto the underlying request.
type RequestStatus string

const (
	RequestPending     RequestStatus = "pending"
	RequestApproved    RequestStatus = "approved"
	RequestRejected    RequestStatus = "rejected"
	RequestRecapNeeded RequestStatus = "recap_needed"
)

// Approver names recorded for steps that no human decided directly.
const (
	RequesterApproverName       = "Requester"
	AutoApprovalApproverName    = "Auto-Approval System"
	AutoCalculationApproverName = "Auto-Calculation System"
	DelegateApproverPrefix      = "Delegate: "
)

// Step is one ordered decision point of a definition.
type Step struct {
	ID    string   `yaml:"id" json:"id"`
	Name  string   `yaml:"name" json:"name"`
	Role  StepRole `yaml:"role" json:"role"`
	Order int      `yaml:"order" json:"order"`
}

// Definition is the immutable ordered step list of one flow type.
type Definition struct {
	Type             FlowType      `yaml:"type" json:"type"`
	Name             string        `yaml:"name" json:"name"`
	CompletionStatus RequestStatus `yaml:"completion_status" json:"completion_status"`
	Steps            []Step        `yaml:"steps" json:"steps"`
}

// StepAt returns the step with the given 1-based order.
func (d Definition) StepAt(order int) (Step, bool) {
	if order < 1 || order > len(d.Steps) {
		return Step{}, false
	}
	return d.Steps[order-1], true
}

// StepWithRole returns the first step gated on role.
func (d Definition) StepWithRole(role StepRole) (Step, bool) {
	for _, s := range d.Steps {
		if s.Role == role {
			return s, true
		}
	}
	return Step{}, false
}

// StepInstance records the decision taken on one step.
type StepInstance struct {
	StepID       string     `json:"step_id"`
	Status       StepStatus `json:"status"`
	ApproverID   *string    `json:"approver_id,omitempty"`
	ApproverName *string    `json:"approver_name,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
}

// Instance is the live progress record of one request through its flow. Values are
// treated as immutable: transitions return a new Instance.
type Instance struct {
	// ID and Version are persistence metadata and are not part of the stored document.
	ID      string `json:"-"`
	Version int64  `json:"-"`

	FlowType    FlowType       `json:"flow_type"`
	RequestID   string         `json:"request_id"`
	CurrentStep int            `json:"current_step"`
	Steps       []StepInstance `json:"steps"`
	IsCompleted bool           `json:"is_completed"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (i Instance) Clone() Instance {
	out := i
	out.Steps = make([]StepInstance, len(i.Steps))
	for idx, s := range i.Steps {
		out.Steps[idx] = s.clone()
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Current returns the step instance at CurrentStep.
func (i Instance) Current() (StepInstance, bool) {
	if i.CurrentStep < 1 || i.CurrentStep > len(i.Steps) {
		return StepInstance{}, false
	}
	return i.Steps[i.CurrentStep-1], true
}

// Rejected reports whether any step was rejected.
func (i Instance) Rejected() bool {
	for _, s := range i.Steps {
		if s.Status == StepRejected {
			return true
		}
	}
	return false
}

func (s StepInstance) clone() StepInstance {
	out := s
	out.ApproverID = copyString(s.ApproverID)
	out.ApproverName = copyString(s.ApproverName)
	out.Notes = copyString(s.Notes)
	if s.ApprovedAt != nil {
		t := *s.ApprovedAt
		out.ApprovedAt = &t
	}
	return out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
