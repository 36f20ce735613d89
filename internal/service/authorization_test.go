package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
)

func TestRoleMayDecide(t *testing.T) {
	hod := Actor{ID: "u", Role: flow.UserHeadOfDepartment, Department: "Operations"}

	tests := []struct {
		name  string
		role  flow.StepRole
		actor Actor
		dept  string
		want  bool
	}{
		{"requester never", flow.RoleRequester, Actor{Role: flow.UserAdmin}, "", false},
		{"hod same department", flow.RoleHeadOfDepartment, hod, "Operations", true},
		{"hod case-insensitive department", flow.RoleHeadOfDepartment, hod, " operations ", true},
		{"hod other department", flow.RoleHeadOfDepartment, hod, "Finance", false},
		{"hod without department", flow.RoleHeadOfDepartment, Actor{Role: flow.UserHeadOfDepartment}, "", false},
		{"admin is not hod", flow.RoleHeadOfDepartment, Actor{Role: flow.UserAdmin, Department: "Operations"}, "Operations", false},
		{"admin hr", flow.RoleHeadAdminHR, Actor{Role: flow.UserHeadAdminHR}, "", true},
		{"grc", flow.RoleGRCManager, Actor{Role: flow.UserGRCManager}, "", true},
		{"grc wrong role", flow.RoleGRCManager, Actor{Role: flow.UserAccountsOfficer}, "", false},
		{"accounts officer", flow.RoleAccountsOfficer, Actor{Role: flow.UserAccountsOfficer}, "", true},
		{"finance head", flow.RoleFinanceHead, Actor{Role: flow.UserHeadOfFinance}, "", true},
		{"finance head by admin", flow.RoleFinanceHead, Actor{Role: flow.UserAdmin}, "", true},
		{"finance head by disburser", flow.RoleFinanceHead, Actor{Role: flow.UserDisburser}, "", false},
		{"finance auto never", flow.RoleFinanceAuto, Actor{Role: flow.UserAdmin}, "", false},
		{"auto calculation never", flow.RoleAutoCalculation, Actor{Role: flow.UserAdmin}, "", false},
		{"verification disburser", flow.RoleDisbursementVerification, Actor{Role: flow.UserDisburser}, "", true},
		{"verification finance group", flow.RoleDisbursementVerification, Actor{Role: flow.UserFinanceUserGroup}, "", true},
		{"verification staff", flow.RoleDisbursementVerification, Actor{Role: flow.UserStaff}, "", false},
		{"unknown role", flow.StepRole("ceo"), Actor{Role: flow.UserAdmin}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RoleMayDecide(tt.role, tt.actor, tt.dept))
		})
	}
}

func TestCanActorDecideStepNeverOnDecidedSteps(t *testing.T) {
	def, err := flow.DefaultRegistry().Definition(flow.TypePettyCash)
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	hod := Actor{ID: "hod", Role: flow.UserHeadOfDepartment, Department: "Operations"}

	inst := flow.NewInstance(def, "req", "requester", now)
	assert.True(t, CanActorDecideStep(def, inst, hod, "Operations"))

	decided := inst.Clone()
	decided.Steps[1].Status = flow.StepApproved
	assert.False(t, CanActorDecideStep(def, decided, hod, "Operations"))

	completed := inst.Clone()
	completed.IsCompleted = true
	assert.False(t, CanActorDecideStep(def, completed, hod, "Operations"))

	outOfRange := inst.Clone()
	outOfRange.CurrentStep = 42
	assert.False(t, CanActorDecideStep(def, outOfRange, hod, "Operations"))
}

func TestRecapCalculationActors(t *testing.T) {
	assert.True(t, CanTriggerRecapCalculation(Actor{Role: flow.UserAccountsOfficer}))
	assert.True(t, CanTriggerRecapCalculation(Actor{Role: flow.UserHeadOfFinance}))
	assert.True(t, CanTriggerRecapCalculation(Actor{Role: flow.UserAdmin}))
	assert.False(t, CanTriggerRecapCalculation(Actor{Role: flow.UserGRCManager}))
}

func TestRequestLocksReleaseEntries(t *testing.T) {
	locks := newRequestLocks()
	unlockA := locks.lock("a")
	unlockB := locks.lock("b")
	assert.Equal(t, 2, locks.size())

	unlockA()
	unlockB()
	assert.Zero(t, locks.size())
}
