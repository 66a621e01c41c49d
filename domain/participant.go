// Package domain contains core concepts of the CRM dashboard.
// This file defines the authenticated Identity and its Role.
// No runtime, network, or UI logic should be added here.
package domain

import "time"

type UserID string

type Role string

const (
	RoleClient Role = "client"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// Identity is the profile record bound to an authenticated credential.
type Identity struct {
	ID          UserID
	DisplayName string
	Role        Role
	CompanyName string
	Phone       string
	Address     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProfileFields are the values a user submits when registering.
type ProfileFields struct {
	FullName    string
	CompanyName string
	Role        Role
	Phone       string
	Address     string
}
