package rbac

type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleFounder    Role = "founder"
	RoleObserver   Role = "observer"
	RoleManager    Role = "manager"
	RoleOperator   Role = "operator"
	RoleEmployee   Role = "employee"
)

// Capability is what a role may do independent of any membership record.
type Capability struct {
	BypassesMembership bool
	CanApprove         bool
	CanReject          bool
	MonitoringOnly     bool
	SeesDeleted        bool
}

var capabilities = map[Role]Capability{
	RoleSuperAdmin: {BypassesMembership: true, CanApprove: true, CanReject: true, SeesDeleted: true},
	RoleAdmin:      {BypassesMembership: true, CanApprove: true, CanReject: true, SeesDeleted: true},
	RoleFounder:    {MonitoringOnly: true},
	RoleObserver:   {MonitoringOnly: true},
	RoleManager:    {CanApprove: true, CanReject: true},
	RoleOperator:   {CanApprove: true, CanReject: true},
	RoleEmployee:   {},
}

func Capabilities(role Role) Capability {
	return capabilities[Normalize(string(role))]
}

// Privileged reports whether the role is a system role that skips
// department and company membership checks.
func Privileged(role Role) bool {
	return Capabilities(role).BypassesMembership
}

func Normalize(role string) Role {
	if _, ok := capabilities[Role(role)]; ok {
		return Role(role)
	}
	return RoleEmployee
}
