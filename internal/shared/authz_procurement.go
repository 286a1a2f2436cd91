package shared

// Procurement permissions declared for RBAC.
const (
	PermProcurementView    = "procurement.view"
	PermProcurementCreate  = "procurement.create"
	PermProcurementEdit    = "procurement.edit"
	PermProcurementApprove = "procurement.approve"
	PermProcurementCancel  = "procurement.cancel"
	PermProcurementReceive = "procurement.receive"
	PermProcurementPayment = "procurement.payment"
)

// ProcurementScopes lists all permissions related to purchase orders.
func ProcurementScopes() []string {
	return []string{
		PermProcurementView,
		PermProcurementCreate,
		PermProcurementEdit,
		PermProcurementApprove,
		PermProcurementCancel,
		PermProcurementReceive,
		PermProcurementPayment,
	}
}
