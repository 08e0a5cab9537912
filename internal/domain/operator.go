package domain

import "time"

// Operator models a queue agent, supervisor or administrator.
type Operator struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	Sector       string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor returns the operator as a state-machine actor.
func (o *Operator) Actor() Actor {
	return Actor{UID: o.ID, Name: o.Name, Role: o.Role}
}
