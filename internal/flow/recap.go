package flow

// ReconciliationType says which way money moves after a recap.
type ReconciliationType string

const (
	Refund        ReconciliationType = "refund"
	Reimbursement ReconciliationType = "reimbursement"
)

// Reconciliation is the outcome of comparing recap spend with the original advance.
// Amounts are minor currency units.
type Reconciliation struct {
	NetAmount int64              `json:"net_amount"`
	Type      ReconciliationType `json:"type"`
}

// Reconcile computes recapAmount - originalAmount. A negative delta is a refund, zero or
// positive is a reimbursement.
func Reconcile(recapAmount, originalAmount int64) Reconciliation {
	net := recapAmount - originalAmount
	if net < 0 {
		return Reconciliation{NetAmount: net, Type: Refund}
	}
	return Reconciliation{NetAmount: net, Type: Reimbursement}
}
