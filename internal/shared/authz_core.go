package shared

// Platform permissions outside the purchase order lifecycle.
const (
	PermRolesManage   = "roles.manage"
	PermInventoryView = "inventory.view"
	PermJobsManage    = "jobs.manage"
)

// CoreScopes lists the platform permissions.
func CoreScopes() []string {
	return []string{
		PermRolesManage,
		PermInventoryView,
		PermJobsManage,
	}
}
