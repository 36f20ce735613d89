package service

import (
	"strings"

	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
)

// Actor is a resolved user deciding a step.
type Actor struct {
	ID         string
	Name       string
	Role       flow.UserRole
	Department string
}

// CanActorDecideStep reports whether actor may decide the current step of inst. It never
// fails: an unknown step, a decided step or a completed flow all answer false.
// requestDepartment is the department of the request the flow belongs to.
func CanActorDecideStep(def flow.Definition, inst flow.Instance, actor Actor, requestDepartment string) bool {
	if inst.IsCompleted {
		return false
	}
	step, ok := def.StepAt(inst.CurrentStep)
	if !ok {
		return false
	}
	current, ok := inst.Current()
	if !ok || current.Status.Decided() {
		return false
	}
	return RoleMayDecide(step.Role, actor, requestDepartment)
}

// RoleMayDecide is the eligibility table for one step role.
func RoleMayDecide(role flow.StepRole, actor Actor, requestDepartment string) bool {
	switch role {
	case flow.RoleRequester:
		return false
	case flow.RoleHeadOfDepartment:
		return actor.Role == flow.UserHeadOfDepartment &&
			actor.Department != "" &&
			strings.EqualFold(strings.TrimSpace(actor.Department), strings.TrimSpace(requestDepartment))
	case flow.RoleHeadAdminHR:
		return actor.Role == flow.UserHeadAdminHR
	case flow.RoleGRCManager:
		return actor.Role == flow.UserGRCManager
	case flow.RoleAccountsOfficer:
		return actor.Role == flow.UserAccountsOfficer
	case flow.RoleFinanceHead:
		return actor.Role == flow.UserHeadOfFinance || actor.Role == flow.UserAdmin
	case flow.RoleFinanceAuto:
		return false
	case flow.RoleAutoCalculation:
		return false
	case flow.RoleDisbursementVerification:
		return CanHandleDisbursement(actor)
	}
	return false
}

// CanHandleDisbursement reports whether actor may issue or redeem verification codes.
func CanHandleDisbursement(actor Actor) bool {
	switch actor.Role {
	case flow.UserDisburser, flow.UserFinanceUserGroup, flow.UserHeadOfFinance, flow.UserAdmin:
		return true
	}
	return false
}

// CanTriggerRecapCalculation reports whether actor may run the recap calculation step.
func CanTriggerRecapCalculation(actor Actor) bool {
	switch actor.Role {
	case flow.UserAccountsOfficer, flow.UserHeadOfFinance, flow.UserAdmin:
		return true
	}
	return false
}
