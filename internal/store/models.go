package store

import "time"

const (
	QueryStatusDraft    = "draft"
	QueryStatusPending  = "pending_approval"
	QueryStatusApproved = "approved"
	QueryStatusRejected = "rejected"
)

const (
	InvitationStatusPending = "pending"
)

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

type Team struct {
	ID            string
	Name          string
	AdminID       string
	ApprovalQuota int
	IsPersonal    bool
	CreatedAt     time.Time
}

type TeamMember struct {
	ID     string
	TeamID string
	UserID string
	Role   string
}

// MemberView joins a membership with the member's user record for API
// responses.
type MemberView struct {
	TeamMember
	Email       string
	DisplayName string
}

// UserTeam is a team together with the viewing user's role in it.
type UserTeam struct {
	Team
	Role string
}

type Invitation struct {
	ID           string
	TeamID       string
	InvitedEmail string
	Role         string
	Status       string
	CreatedBy    string
	CreatedAt    time.Time
}

type Folder struct {
	ID        string
	TeamID    string
	Name      string
	CreatedAt time.Time
}

type Query struct {
	ID                  string
	TeamID              string
	FolderID            string
	Name                string
	Status              string
	SQLContent          string
	LastModifiedByEmail string
	UpdatedAt           time.Time
}

// QueryHistory is the immutable snapshot taken on every submission. The
// most recent row for a query is its current generation. Only the
// status field may change after insertion.
type QueryHistory struct {
	ID              string
	QueryID         string
	SQLContent      string
	ModifiedByEmail string
	ChangeReason    string
	Status          string
	CreatedAt       time.Time
}

type QueryApproval struct {
	ID             string
	QueryHistoryID string
	UserID         string
	CreatedAt      time.Time
}

// ApprovalView joins an approval with the approver's user record.
type ApprovalView struct {
	QueryApproval
	Email       string
	DisplayName string
}

// PendingReview is one pending generation surfaced on the review list.
type PendingReview struct {
	QueryID         string
	QueryName       string
	TeamID          string
	HistoryID       string
	ModifiedByEmail string
	ChangeReason    string
	ApprovalCount   int
	Quota           int
	SubmittedAt     time.Time
}
