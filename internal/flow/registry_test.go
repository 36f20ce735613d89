package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
)

func TestDefaultRegistryDefinitions(t *testing.T) {
	reg := DefaultRegistry()

	tests := []struct {
		flowType   FlowType
		roles      []StepRole
		completion RequestStatus
	}{
		{
			flowType:   TypeImprestRequest,
			roles:      []StepRole{RoleRequester, RoleHeadOfDepartment, RoleHeadAdminHR, RoleGRCManager, RoleFinanceAuto},
			completion: RequestRecapNeeded,
		},
		{
			flowType: TypeImprestRecap,
			roles: []StepRole{RoleRequester, RoleHeadOfDepartment, RoleHeadAdminHR, RoleAccountsOfficer,
				RoleGRCManager, RoleFinanceAuto, RoleAutoCalculation},
			completion: RequestApproved,
		},
		{
			flowType: TypePettyCash,
			roles: []StepRole{RoleRequester, RoleHeadOfDepartment, RoleHeadAdminHR, RoleGRCManager,
				RoleFinanceHead, RoleDisbursementVerification},
			completion: RequestApproved,
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.flowType), func(t *testing.T) {
			def, err := reg.Definition(tt.flowType)
			require.NoError(t, err)
			assert.Equal(t, tt.completion, def.CompletionStatus)

			roles := make([]StepRole, 0, len(def.Steps))
			for idx, s := range def.Steps {
				assert.Equal(t, idx+1, s.Order)
				roles = append(roles, s.Role)
			}
			assert.Equal(t, tt.roles, roles)
		})
	}

	assert.Equal(t, []FlowType{TypeImprestRequest, TypeImprestRecap, TypePettyCash}, reg.Types())
}

func TestRegistryUnknownFlowType(t *testing.T) {
	_, err := DefaultRegistry().Definition("travel_advance")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownFlowType))

	_, err = ParseFlowType("travel_advance")
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownFlowType))
}

func TestNewRegistryRejectsBrokenDefinitions(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "gap in order",
			yaml: `
definitions:
  - type: petty_cash
    completion_status: approved
    steps:
      - { id: requester, role: requester, order: 1 }
      - { id: hod, role: head_of_department, order: 3 }
`,
		},
		{
			name: "requester not first",
			yaml: `
definitions:
  - type: petty_cash
    completion_status: approved
    steps:
      - { id: hod, role: head_of_department, order: 1 }
      - { id: requester, role: requester, order: 2 }
`,
		},
		{
			name: "two finance_auto steps",
			yaml: `
definitions:
  - type: imprest_request
    completion_status: recap_needed
    steps:
      - { id: requester, role: requester, order: 1 }
      - { id: auto1, role: finance_auto, order: 2 }
      - { id: auto2, role: finance_auto, order: 3 }
`,
		},
		{
			name: "unknown role",
			yaml: `
definitions:
  - type: petty_cash
    completion_status: approved
    steps:
      - { id: requester, role: requester, order: 1 }
      - { id: ceo, role: chief_executive, order: 2 }
`,
		},
		{
			name: "unknown flow type",
			yaml: `
definitions:
  - type: travel
    completion_status: approved
    steps:
      - { id: requester, role: requester, order: 1 }
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
