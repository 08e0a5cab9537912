package domain

import "time"

// SubjectType differentiates anonymous clients vs operator tokens.
type SubjectType string

const (
	SubjectTypeClient   SubjectType = "CLIENT"
	SubjectTypeOperator SubjectType = "OPERATOR"
)

// Role is the actor role used by the state machine.
type Role string

const (
	RoleClient     Role = "CLIENT"
	RoleOperator   Role = "OPERATOR"
	RoleSupervisor Role = "SUPERVISOR"
	RoleAdmin      Role = "ADMIN"
	RoleSystem     Role = "SYSTEM"
)

// Actor identifies who performed an action.
type Actor struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// IsStaff reports whether the actor works the queue.
func (a Actor) IsStaff() bool {
	return a.Role == RoleOperator || a.Role == RoleSupervisor || a.Role == RoleAdmin
}

// CanOverride reports whether the actor may act on tickets held by others.
func (a Actor) CanOverride() bool {
	return a.Role == RoleSupervisor || a.Role == RoleAdmin
}

// Ref converts the actor into the assignee snapshot stored on a ticket.
func (a Actor) Ref() *OperatorRef {
	return &OperatorRef{UID: a.UID, Name: a.Name, Role: a.Role}
}

// Token represents issued authentication token metadata.
type Token struct {
	SubjectID string
	Subject   SubjectType
	Role      Role
	ExpiresAt time.Time
	IssuedAt  time.Time
}
