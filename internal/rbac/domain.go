package rbac

import "github.com/odyssey-erp/odyssey-procure/internal/shared"

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Permission represents an atomic capability.
type Permission struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var descriptions = map[string]string{
	shared.PermProcurementView:    "Read purchase orders, payments and quality summaries",
	shared.PermProcurementCreate:  "Create draft purchase orders",
	shared.PermProcurementEdit:    "Record supplier confirmation and shipment",
	shared.PermProcurementApprove: "Approve and complete purchase orders",
	shared.PermProcurementCancel:  "Cancel purchase orders",
	shared.PermProcurementReceive: "Receive goods and record returns",
	shared.PermProcurementPayment: "Apply payments to purchase orders",
	shared.PermRolesManage:        "Assign and remove user roles",
	shared.PermInventoryView:      "Read stock balances and stock cards",
	shared.PermJobsManage:         "Inspect background job health",
}

// Catalog lists the permissions the service enforces.
func Catalog() []Permission {
	scopes := append(shared.ProcurementScopes(), shared.CoreScopes()...)
	out := make([]Permission, 0, len(scopes))
	for _, name := range scopes {
		out = append(out, Permission{Name: name, Description: descriptions[name]})
	}
	return out
}
