package relay

import (
	"fmt"
	"strings"
)

// Role gates which messages a connection receives.
type Role int

const (
	RoleUnknown Role = iota
	RoleController
	RoleTransferClient
	RoleMonitor
)

var roleNames = map[Role]string{
	RoleUnknown:        "unknown",
	RoleController:     "controller",
	RoleTransferClient: "transfer_client",
	RoleMonitor:        "monitor",
}

// Roles lists every role, Unknown included, in declaration order.
func Roles() []Role {
	return []Role{RoleUnknown, RoleController, RoleTransferClient, RoleMonitor}
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// MarshalText encodes the role by name so JSON maps and fields stay readable.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseRole resolves a role name as produced by Role.String.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for role, n := range roleNames {
		if n == name {
			return role, nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}
