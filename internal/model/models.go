// internal/model/models.go
package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// AssignmentKind distinguishes individual from group assignments.
type AssignmentKind string

const (
	AssignmentIndividual AssignmentKind = "individual"
	AssignmentGroup      AssignmentKind = "group"
)

// Assignment is the classroom exercise an invitation points to.
type Assignment struct {
	ID             int64
	Slug           string
	Title          string
	OrganizationID int64
	OrgLogin       string // GitHub login of the owning organization
	TemplateRepoID int64  // starter repository the student copy is generated from
	Kind           AssignmentKind
	RosterID       sql.NullInt64
}

// Invitation is a redeemable token bound to one Assignment.
type Invitation struct {
	ID         int64
	Key        string
	Assignment Assignment
}

// User is the authenticated student.
type User struct {
	ID    int64
	Login string
}

// AssignmentRepo binds an (assignment, user) pair to a repository on GitHub.
type AssignmentRepo struct {
	ID           int64
	AssignmentID int64
	UserID       int64
	GithubRepoID int64 `json:"github_repo_id"`
	FullName     string
	HTMLURL      string
	DBCreatedAt  time.Time
	DeletedAt    sql.NullTime
}

// ExternalRepo is what GitHub reports back after a repository was generated.
type ExternalRepo struct {
	ID       int64
	FullName string
	HTMLURL  string
	// Pending is set when GitHub accepted the generation but has not finished it.
	Pending bool
}

// RepoSpec describes the repository to generate from a template.
type RepoSpec struct {
	TemplateRepoID int64
	Owner          string
	Name           string
	Private        bool
}

// StatusKey identifies a provisioning status record.
type StatusKey struct {
	InvitationID int64
	UserID       int64
}

// ProvisionJob is a unit of background provisioning work.
type ProvisionJob struct {
	ID            uuid.UUID
	InvitationKey string
	AssignmentID  int64
	UserID        int64
	UserLogin     string
	Attempts      int
	MaxAttempts   int
	LastError     string
	CreatedAt     time.Time
}

// RosterEntry is one identifier on a classroom roster.
type RosterEntry struct {
	ID         int64
	RosterID   int64
	Identifier string
	UserID     sql.NullInt64
}
