package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// ParseRole maps unknown roles to RoleUser.
func ParseRole(s string) Role {
	if Role(strings.ToLower(strings.TrimSpace(s))) == RoleAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// User is an operator account. It never carries password material.
type User struct {
	UID       string    `json:"uid"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	Role      Role      `json:"role"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

func (u User) Key() string { return u.UID }

func (u User) Label() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

func (u User) Clone() User { return u }

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }
