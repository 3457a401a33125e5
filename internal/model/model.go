package model

import (
	"time"

	"github.com/google/uuid"
)

// RoleLabel is the membership role within a project.
type RoleLabel string

const (
	RoleAdmin  RoleLabel = "admin"
	RoleMember RoleLabel = "member"
)

// Project is a row in the `projects` relation.
// Kept minimal on purpose; it’s easy to evolve.
type Project struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Password    *string    `json:"password,omitempty"`
	MemberCount int        `json:"member_count"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Protected reports whether joining requires a password.
func (p Project) Protected() bool {
	return p.Password != nil && *p.Password != ""
}

// Membership is a row in `project_members`, unique per (project, user).
type Membership struct {
	ProjectID uuid.UUID `json:"project_id"`
	UserID    uuid.UUID `json:"user_id"`
	Role      RoleLabel `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Role is a row in `roles`, owned by its project.
type Role struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID uuid.UUID  `json:"project_id"`
	Name      string     `json:"name"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Tasks     string     `json:"tasks,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Profile is a row in `profiles`; its id equals the auth user id.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
}

// Member pairs a membership with the profile it points at, for display.
type Member struct {
	Membership
	Username string `json:"username"`
}
