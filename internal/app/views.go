package app

import (
	"encoding/json"
	"time"

	"deskline/api/internal/store"
)

type FileView struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type ReplyView struct {
	ID         string  `json:"id"`
	SenderID   string  `json:"senderId"`
	SenderName string  `json:"senderName"`
	Type       string  `json:"type"`
	Content    *string `json:"content"`
	IsDeleted  bool    `json:"isDeleted"`
}

type ApprovalView struct {
	ID              string     `json:"id"`
	MessageID       string     `json:"messageId"`
	DepartmentID    string     `json:"departmentId"`
	CompanyID       string     `json:"companyId"`
	DocumentName    string     `json:"documentName"`
	DocumentNumber  string     `json:"documentNumber"`
	Status          string     `json:"status"`
	RejectionReason *string    `json:"rejectionReason"`
	ApprovedBy      *string    `json:"approvedBy"`
	ApprovedAt      *time.Time `json:"approvedAt"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// MessageView is the wire shape of a message, both in responses and in
// published envelopes.
type MessageView struct {
	ID            string        `json:"id"`
	DepartmentID  string        `json:"departmentId"`
	CompanyID     string        `json:"companyId"`
	SenderID      string        `json:"senderId"`
	SenderName    string        `json:"senderName"`
	Type          string        `json:"type"`
	Content       *string       `json:"content"`
	VoiceDuration *int          `json:"voiceDuration,omitempty"`
	File          *FileView     `json:"file,omitempty"`
	ReplyToID     *string       `json:"replyToId"`
	ReplyTo       *ReplyView    `json:"replyTo,omitempty"`
	ParentID      *string       `json:"parentId"`
	IsEdited      bool          `json:"isEdited"`
	IsDeleted     bool          `json:"isDeleted"`
	DeletedAt     *time.Time    `json:"deletedAt,omitempty"`
	DeletedBy     *string       `json:"deletedBy,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	Approval      *ApprovalView `json:"approval,omitempty"`
}

type EditView struct {
	ID              string    `json:"id"`
	MessageID       string    `json:"messageId"`
	PreviousContent string    `json:"previousContent"`
	EditedBy        string    `json:"editedBy"`
	EditedByName    string    `json:"editedByName"`
	EditedAt        time.Time `json:"editedAt"`
}

type ForwardView struct {
	ID                 string    `json:"id"`
	SourceMessageID    string    `json:"sourceMessageId"`
	SourceDepartmentID string    `json:"sourceDepartmentId"`
	TargetDepartmentID string    `json:"targetDepartmentId"`
	ForwardedMessageID string    `json:"forwardedMessageId"`
	ForwardedBy        string    `json:"forwardedBy"`
	Note               *string   `json:"note"`
	CreatedAt          time.Time `json:"createdAt"`
}

type ApprovalListView struct {
	ApprovalView
	DepartmentName string    `json:"departmentName"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        *string   `json:"content"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

type NotificationView struct {
	ID           string          `json:"id"`
	MessageID    string          `json:"messageId"`
	DepartmentID string          `json:"departmentId"`
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	Data         json.RawMessage `json:"data,omitempty"`
	Read         bool            `json:"read"`
	ReadAt       *time.Time      `json:"readAt"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// messageView renders a message. With mask set, deleted content is hidden
// while isDeleted stays visible.
func messageView(msg store.Message, companyID string, mask bool) MessageView {
	view := MessageView{
		ID:            msg.ID,
		DepartmentID:  msg.DepartmentID,
		CompanyID:     companyID,
		SenderID:      msg.SenderID,
		SenderName:    msg.SenderName,
		Type:          msg.Type,
		Content:       msg.Content,
		VoiceDuration: msg.VoiceDuration,
		ReplyToID:     msg.ReplyToID,
		ParentID:      msg.ParentID,
		IsEdited:      msg.IsEdited,
		IsDeleted:     msg.IsDeleted,
		DeletedAt:     msg.DeletedAt,
		DeletedBy:     msg.DeletedBy,
		CreatedAt:     msg.CreatedAt,
		UpdatedAt:     msg.UpdatedAt,
	}
	if msg.File != nil {
		view.File = &FileView{
			ID:       msg.File.ID,
			Path:     msg.File.Path,
			MimeType: msg.File.MimeType,
			Size:     msg.File.Size,
		}
	}
	if msg.ReplyTo != nil {
		reply := ReplyView{
			ID:         msg.ReplyTo.ID,
			SenderID:   msg.ReplyTo.SenderID,
			SenderName: msg.ReplyTo.SenderName,
			Type:       msg.ReplyTo.Type,
			Content:    msg.ReplyTo.Content,
			IsDeleted:  msg.ReplyTo.IsDeleted,
		}
		if mask && reply.IsDeleted {
			reply.Content = nil
		}
		view.ReplyTo = &reply
	}
	if msg.Approval != nil {
		approval := approvalView(*msg.Approval)
		view.Approval = &approval
	}
	if mask && msg.IsDeleted {
		view.Content = nil
	}
	return view
}

func messageViews(items []store.Message, companyID string, mask bool) []MessageView {
	views := make([]MessageView, 0, len(items))
	for _, item := range items {
		views = append(views, messageView(item, companyID, mask))
	}
	return views
}

func approvalView(item store.DocumentApproval) ApprovalView {
	return ApprovalView{
		ID:              item.ID,
		MessageID:       item.MessageID,
		DepartmentID:    item.DepartmentID,
		CompanyID:       item.CompanyID,
		DocumentName:    item.DocumentName,
		DocumentNumber:  item.DocumentNumber,
		Status:          item.Status,
		RejectionReason: item.RejectionReason,
		ApprovedBy:      item.ApprovedBy,
		ApprovedAt:      item.ApprovedAt,
		CreatedAt:       item.CreatedAt,
	}
}

func approvalListViews(items []store.ApprovalListItem) []ApprovalListView {
	views := make([]ApprovalListView, 0, len(items))
	for _, item := range items {
		views = append(views, ApprovalListView{
			ApprovalView:   approvalView(item.DocumentApproval),
			DepartmentName: item.DepartmentName,
			SenderID:       item.SenderID,
			SenderName:     item.SenderName,
			Content:        item.Content,
			SubmittedAt:    item.SubmittedAt,
		})
	}
	return views
}

func editViews(items []store.MessageEdit) []EditView {
	views := make([]EditView, 0, len(items))
	for _, item := range items {
		views = append(views, EditView{
			ID:              item.ID,
			MessageID:       item.MessageID,
			PreviousContent: item.PreviousContent,
			EditedBy:        item.EditedBy,
			EditedByName:    item.EditedByName,
			EditedAt:        item.EditedAt,
		})
	}
	return views
}

func forwardViews(items []store.MessageForward) []ForwardView {
	views := make([]ForwardView, 0, len(items))
	for _, item := range items {
		views = append(views, ForwardView{
			ID:                 item.ID,
			SourceMessageID:    item.SourceMessageID,
			SourceDepartmentID: item.SourceDepartmentID,
			TargetDepartmentID: item.TargetDepartmentID,
			ForwardedMessageID: item.ForwardedMessageID,
			ForwardedBy:        item.ForwardedBy,
			Note:               item.Note,
			CreatedAt:          item.CreatedAt,
		})
	}
	return views
}

func notificationView(item store.Notification) NotificationView {
	return NotificationView{
		ID:           item.ID,
		MessageID:    item.MessageID,
		DepartmentID: item.DepartmentID,
		Title:        item.Title,
		Body:         item.Body,
		Data:         item.Data,
		Read:         item.ReadAt != nil,
		ReadAt:       item.ReadAt,
		CreatedAt:    item.CreatedAt,
	}
}
