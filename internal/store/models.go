package store

import (
	"encoding/json"
	"time"
)

const (
	MessageText     = "TEXT"
	MessageVoice    = "VOICE"
	MessageFile     = "FILE"
	MessageDocument = "DOCUMENT"
)

const (
	ApprovalPending     = "PENDING"
	ApprovalApproved    = "APPROVED"
	ApprovalRejected    = "REJECTED"
	ApprovalAutoExpired = "AUTO_EXPIRED"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
}

type Department struct {
	ID                string
	CompanyID         string
	Name              string
	IsActive          bool
	ApprovalsDisabled bool
}

type File struct {
	ID       string
	Path     string
	MimeType string
	Size     int64
}

type Message struct {
	ID            string
	DepartmentID  string
	SenderID      string
	SenderName    string
	Type          string
	Content       *string
	VoiceDuration *int
	File          *File
	ReplyToID     *string
	ParentID      *string
	IsEdited      bool
	IsDeleted     bool
	DeletedAt     *time.Time
	DeletedBy     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	ReplyTo  *ReplySummary
	Approval *DocumentApproval
}

// ReplySummary is the quoted message shown above a reply.
type ReplySummary struct {
	ID         string
	SenderID   string
	SenderName string
	Type       string
	Content    *string
	IsDeleted  bool
}

type MessageEdit struct {
	ID              string
	MessageID       string
	PreviousContent string
	EditedBy        string
	EditedByName    string
	EditedAt        time.Time
}

type MessageForward struct {
	ID                 string
	SourceMessageID    string
	SourceDepartmentID string
	TargetDepartmentID string
	ForwardedMessageID string
	ForwardedBy        string
	Note               *string
	CreatedAt          time.Time
}

type DocumentApproval struct {
	ID              string
	MessageID       string
	DepartmentID    string
	CompanyID       string
	DocumentName    string
	DocumentNumber  string
	Status          string
	RejectionReason *string
	ApprovedBy      *string
	ApprovedAt      *time.Time
	CreatedAt       time.Time
}

// ApprovalScope is an approval together with the department flags that
// decide whether it may be processed at all.
type ApprovalScope struct {
	Approval          DocumentApproval
	ApprovalsDisabled bool
}

// ApprovalListItem is an approval joined with its message and sender.
type ApprovalListItem struct {
	DocumentApproval
	DepartmentName string
	SenderID       string
	SenderName     string
	Content        *string
	SubmittedAt    time.Time
}

type RosterMember struct {
	UserID      string
	DisplayName string
	Email       string
}

type Notification struct {
	ID           string
	RecipientID  string
	MessageID    string
	DepartmentID string
	Title        string
	Body         string
	Data         json.RawMessage
	ReadAt       *time.Time
	CreatedAt    time.Time
}

// NewMessage is the insert shape for Create and Forward.
type NewMessage struct {
	ID            string
	DepartmentID  string
	SenderID      string
	Type          string
	Content       *string
	VoiceDuration *int
	File          *File
	ReplyToID     *string
	ParentID      *string
}

type NewApproval struct {
	ID             string
	CompanyID      string
	DocumentName   string
	DocumentNumber string
}

type ForwardRecord struct {
	ID                 string
	SourceMessageID    string
	SourceDepartmentID string
	TargetDepartmentID string
	ForwardedBy        string
	Note               *string
}
