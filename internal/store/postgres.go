package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapPostgresError(err))
	}
	return nil
}

// Tenancy

func (s *PostgresStore) GetDepartment(ctx context.Context, departmentID string) (Department, error) {
	var item Department
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, name, is_active, approvals_disabled
		FROM departments
		WHERE id=$1
	`, departmentID).Scan(&item.ID, &item.CompanyID, &item.Name, &item.IsActive, &item.ApprovalsDisabled)
	if err != nil {
		return Department{}, err
	}
	return item, nil
}

func (s *PostgresStore) CompanyExists(ctx context.Context, companyID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM companies WHERE id=$1)`, companyID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check company: %w", err)
	}
	return exists, nil
}

// IsDepartmentMember reports an active membership that still grants access.
func (s *PostgresStore) IsDepartmentMember(ctx context.Context, departmentID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM department_members
			WHERE department_id=$1 AND user_id=$2 AND is_active AND can_access
		)
	`, departmentID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check department membership: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) IsCompanyMember(ctx context.Context, companyID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM company_members
			WHERE company_id=$1 AND user_id=$2 AND is_active
		)
	`, companyID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check company membership: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email FROM users WHERE id=$1`, userID).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// DepartmentRoster lists members who should hear about new messages.
func (s *PostgresStore) DepartmentRoster(ctx context.Context, departmentID string) ([]RosterMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.display_name, u.email
		FROM department_members dm
		JOIN users u ON u.id = dm.user_id
		WHERE dm.department_id=$1 AND dm.is_active AND dm.can_access
		ORDER BY u.display_name ASC
	`, departmentID)
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	defer rows.Close()

	items := make([]RosterMember, 0)
	for rows.Next() {
		var item RosterMember
		if err := rows.Scan(&item.UserID, &item.DisplayName, &item.Email); err != nil {
			return nil, fmt.Errorf("scan roster member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster: %w", err)
	}
	return items, nil
}

// Messages

const messageSelect = `
	SELECT m.id, m.department_id, m.sender_id, COALESCE(u.display_name, ''), m.type, m.content, m.voice_duration,
		m.file_id, m.file_path, m.file_mime_type, m.file_size, m.reply_to_id, m.parent_id,
		m.is_edited, m.is_deleted, m.deleted_at, m.deleted_by, m.created_at, m.updated_at,
		r.id, r.sender_id, ru.display_name, r.type, r.content, r.is_deleted,
		a.id, a.department_id, a.company_id, a.document_name, a.document_number, a.status,
		a.rejection_reason, a.approved_by, a.approved_at, a.created_at
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id
	LEFT JOIN messages r ON r.id = m.reply_to_id
	LEFT JOIN users ru ON ru.id = r.sender_id
	LEFT JOIN document_approvals a ON a.message_id = m.id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		item                                   Message
		fileID, filePath, fileMime             *string
		fileSize                               *int64
		replyID, replySender, replySenderName  *string
		replyType, replyContent                *string
		replyDeleted                           *bool
		approvalID, approvalDept, approvalComp *string
		approvalName, approvalNumber           *string
		approvalStatus                         *string
		approval                               DocumentApproval
		approvalCreated                        *time.Time
	)
	err := row.Scan(
		&item.ID,
		&item.DepartmentID,
		&item.SenderID,
		&item.SenderName,
		&item.Type,
		&item.Content,
		&item.VoiceDuration,
		&fileID,
		&filePath,
		&fileMime,
		&fileSize,
		&item.ReplyToID,
		&item.ParentID,
		&item.IsEdited,
		&item.IsDeleted,
		&item.DeletedAt,
		&item.DeletedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&replyID,
		&replySender,
		&replySenderName,
		&replyType,
		&replyContent,
		&replyDeleted,
		&approvalID,
		&approvalDept,
		&approvalComp,
		&approvalName,
		&approvalNumber,
		&approvalStatus,
		&approval.RejectionReason,
		&approval.ApprovedBy,
		&approval.ApprovedAt,
		&approvalCreated,
	)
	if err != nil {
		return Message{}, err
	}

	if fileID != nil {
		item.File = &File{ID: *fileID, Path: deref(filePath), MimeType: deref(fileMime)}
		if fileSize != nil {
			item.File.Size = *fileSize
		}
	}
	if replyID != nil {
		item.ReplyTo = &ReplySummary{
			ID:         *replyID,
			SenderID:   deref(replySender),
			SenderName: deref(replySenderName),
			Type:       deref(replyType),
			Content:    replyContent,
			IsDeleted:  replyDeleted != nil && *replyDeleted,
		}
	}
	if approvalID != nil {
		approval.ID = *approvalID
		approval.MessageID = item.ID
		approval.DepartmentID = deref(approvalDept)
		approval.CompanyID = deref(approvalComp)
		approval.DocumentName = deref(approvalName)
		approval.DocumentNumber = deref(approvalNumber)
		approval.Status = deref(approvalStatus)
		if approvalCreated != nil {
			approval.CreatedAt = *approvalCreated
		}
		item.Approval = &approval
	}
	return item, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func fileColumns(file *File) (id, path, mime *string, size *int64) {
	if file == nil {
		return nil, nil, nil, nil
	}
	id, path, mime = &file.ID, &file.Path, &file.MimeType
	if file.Size > 0 {
		size = &file.Size
	}
	return id, path, mime, size
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg NewMessage) error {
	fileID, filePath, fileMime, fileSize := fileColumns(msg.File)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, department_id, sender_id, type, content, voice_duration, file_id, file_path, file_mime_type, file_size, reply_to_id, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, msg.ID, msg.DepartmentID, msg.SenderID, msg.Type, msg.Content, msg.VoiceDuration, fileID, filePath, fileMime, fileSize, msg.ReplyToID, msg.ParentID)
	if err != nil {
		return fmt.Errorf("insert message: %w", mapPostgresError(err))
	}
	return nil
}

// CreateMessage inserts a message and, for documents, its PENDING approval
// in the same transaction.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg NewMessage, approval *NewApproval) (Message, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		if approval == nil {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO document_approvals (id, message_id, department_id, company_id, document_name, document_number, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'PENDING')
		`, approval.ID, msg.ID, msg.DepartmentID, approval.CompanyID, approval.DocumentName, approval.DocumentNumber)
		if err != nil {
			return fmt.Errorf("insert document approval: %w", mapPostgresError(err))
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return s.GetMessage(ctx, msg.ID)
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE m.id=$1`, messageID))
}

// ListMessages returns a department page newest first, deleted rows included.
func (s *PostgresStore) ListMessages(ctx context.Context, departmentID string, limit, offset int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, messageSelect+`
		WHERE m.department_id=$1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2 OFFSET $3
	`, departmentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *PostgresStore) ListDeletedMessages(ctx context.Context, departmentID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, messageSelect+`
		WHERE m.department_id=$1 AND m.is_deleted
		ORDER BY m.deleted_at DESC, m.id DESC
	`, departmentID)
	if err != nil {
		return nil, fmt.Errorf("list deleted messages: %w", err)
	}
	return scanMessages(rows)
}

// EditMessage locks the row, appends the prior content to the edit log and
// overwrites it.
func (s *PostgresStore) EditMessage(ctx context.Context, messageID, editID, content, editedBy string) (Message, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			previous  *string
			isDeleted bool
		)
		err := tx.QueryRowContext(ctx, `SELECT content, is_deleted FROM messages WHERE id=$1 FOR UPDATE`, messageID).Scan(&previous, &isDeleted)
		if err != nil {
			return err
		}
		if isDeleted {
			return ErrMessageDeleted
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_edits (id, message_id, previous_content, edited_by)
			VALUES ($1, $2, $3, $4)
		`, editID, messageID, deref(previous), editedBy); err != nil {
			return fmt.Errorf("insert message edit: %w", mapPostgresError(err))
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET content=$2, is_edited=TRUE, updated_at=NOW()
			WHERE id=$1
		`, messageID, content); err != nil {
			return fmt.Errorf("update message content: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return s.GetMessage(ctx, messageID)
}

// SoftDeleteMessage marks a message deleted. changed is false when it
// already was.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID, deletedBy string) (Message, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_deleted=TRUE, deleted_at=NOW(), deleted_by=$2, updated_at=NOW()
		WHERE id=$1 AND NOT is_deleted
	`, messageID, deletedBy)
	if err != nil {
		return Message{}, false, fmt.Errorf("soft delete message: %w", mapPostgresError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Message{}, false, fmt.Errorf("soft delete message rows: %w", err)
	}
	item, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, false, err
	}
	return item, affected > 0, nil
}

// ForwardMessage writes the audit record and the copy, then links them.
func (s *PostgresStore) ForwardMessage(ctx context.Context, record ForwardRecord, copied NewMessage) (Message, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var isDeleted bool
		err := tx.QueryRowContext(ctx, `SELECT is_deleted FROM messages WHERE id=$1 FOR SHARE`, record.SourceMessageID).Scan(&isDeleted)
		if err != nil {
			return err
		}
		if isDeleted {
			return ErrMessageDeleted
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_forwards (id, source_message_id, source_department_id, target_department_id, forwarded_by, note)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, record.ID, record.SourceMessageID, record.SourceDepartmentID, record.TargetDepartmentID, record.ForwardedBy, record.Note); err != nil {
			return fmt.Errorf("insert message forward: %w", mapPostgresError(err))
		}

		if err := insertMessage(ctx, tx, copied); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE message_forwards SET forwarded_message_id=$2 WHERE id=$1
		`, record.ID, copied.ID); err != nil {
			return fmt.Errorf("link forwarded message: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return s.GetMessage(ctx, copied.ID)
}

func (s *PostgresStore) ListForwards(ctx context.Context, sourceMessageID string) ([]MessageForward, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(source_message_id, ''), source_department_id, target_department_id, COALESCE(forwarded_message_id, ''), forwarded_by, note, created_at
		FROM message_forwards
		WHERE source_message_id=$1
		ORDER BY created_at ASC
	`, sourceMessageID)
	if err != nil {
		return nil, fmt.Errorf("list forwards: %w", err)
	}
	defer rows.Close()

	items := make([]MessageForward, 0)
	for rows.Next() {
		var item MessageForward
		if err := rows.Scan(
			&item.ID,
			&item.SourceMessageID,
			&item.SourceDepartmentID,
			&item.TargetDepartmentID,
			&item.ForwardedMessageID,
			&item.ForwardedBy,
			&item.Note,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan forward: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forwards: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListMessageEdits(ctx context.Context, messageID string) ([]MessageEdit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.message_id, e.previous_content, e.edited_by, COALESCE(u.display_name, ''), e.edited_at
		FROM message_edits e
		LEFT JOIN users u ON u.id = e.edited_by
		WHERE e.message_id=$1
		ORDER BY e.edited_at ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list message edits: %w", err)
	}
	defer rows.Close()

	items := make([]MessageEdit, 0)
	for rows.Next() {
		var item MessageEdit
		if err := rows.Scan(&item.ID, &item.MessageID, &item.PreviousContent, &item.EditedBy, &item.EditedByName, &item.EditedAt); err != nil {
			return nil, fmt.Errorf("scan message edit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message edits: %w", err)
	}
	return items, nil
}

// Approvals

const approvalColumns = `a.id, a.message_id, a.department_id, a.company_id, a.document_name, a.document_number, a.status,
	a.rejection_reason, a.approved_by, a.approved_at, a.created_at`

func approvalDest(item *DocumentApproval) []any {
	return []any{
		&item.ID,
		&item.MessageID,
		&item.DepartmentID,
		&item.CompanyID,
		&item.DocumentName,
		&item.DocumentNumber,
		&item.Status,
		&item.RejectionReason,
		&item.ApprovedBy,
		&item.ApprovedAt,
		&item.CreatedAt,
	}
}

func (s *PostgresStore) GetApprovalScope(ctx context.Context, approvalID string) (ApprovalScope, error) {
	var scope ApprovalScope
	dest := append(approvalDest(&scope.Approval), &scope.ApprovalsDisabled)
	err := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`, d.approvals_disabled
		FROM document_approvals a
		JOIN departments d ON d.id = a.department_id
		WHERE a.id=$1
	`, approvalID).Scan(dest...)
	if err != nil {
		return ApprovalScope{}, err
	}
	return scope, nil
}

// DecideApproval moves a PENDING approval to a terminal status in a single
// conditional update. ok is false when it was no longer PENDING.
func (s *PostgresStore) DecideApproval(ctx context.Context, approvalID, status, decidedBy string, reason *string) (DocumentApproval, bool, error) {
	var item DocumentApproval
	err := s.db.QueryRowContext(ctx, `
		UPDATE document_approvals a
		SET status=$2, approved_by=$3, approved_at=NOW(), rejection_reason=$4
		WHERE a.id=$1 AND a.status='PENDING'
		RETURNING `+approvalColumns,
		approvalID, status, decidedBy, reason,
	).Scan(approvalDest(&item)...)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentApproval{}, false, nil
	}
	if err != nil {
		return DocumentApproval{}, false, fmt.Errorf("decide approval: %w", mapPostgresError(err))
	}
	return item, true, nil
}

const approvalListSelect = `
	SELECT ` + approvalColumns + `, d.name, m.sender_id, COALESCE(u.display_name, ''), m.content, m.created_at
	FROM document_approvals a
	JOIN messages m ON m.id = a.message_id
	JOIN departments d ON d.id = a.department_id
	LEFT JOIN users u ON u.id = m.sender_id
`

func scanApprovalItems(rows *sql.Rows) ([]ApprovalListItem, error) {
	defer rows.Close()
	items := make([]ApprovalListItem, 0)
	for rows.Next() {
		var item ApprovalListItem
		dest := append(approvalDest(&item.DocumentApproval), &item.DepartmentName, &item.SenderID, &item.SenderName, &item.Content, &item.SubmittedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

// ListPendingApprovals returns the company's queue oldest first and the
// number of pending approvals.
func (s *PostgresStore) ListPendingApprovals(ctx context.Context, companyID string, limit, offset int) ([]ApprovalListItem, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM document_approvals
		WHERE company_id=$1 AND status='PENDING'
	`, companyID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pending approvals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, approvalListSelect+`
		WHERE a.company_id=$1 AND a.status='PENDING'
		ORDER BY a.created_at ASC, a.id ASC
		LIMIT $2 OFFSET $3
	`, companyID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list pending approvals: %w", err)
	}
	items, err := scanApprovalItems(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListApprovals returns a newest-first page and the total matching count.
// An empty status matches every status.
func (s *PostgresStore) ListApprovals(ctx context.Context, companyID, status string, limit, offset int) ([]ApprovalListItem, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM document_approvals
		WHERE company_id=$1 AND ($2 = '' OR status = $2)
	`, companyID, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count approvals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, approvalListSelect+`
		WHERE a.company_id=$1 AND ($2 = '' OR a.status = $2)
		ORDER BY a.created_at DESC, a.id DESC
		LIMIT $3 OFFSET $4
	`, companyID, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list approvals: %w", err)
	}
	items, err := scanApprovalItems(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Notifications

// InsertNotification is idempotent per (message, recipient); inserted is
// false on a redelivery.
func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) (bool, error) {
	data := item.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, message_id, department_id, title, body, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		ON CONFLICT (message_id, recipient_id) DO NOTHING
	`, item.ID, item.RecipientID, item.MessageID, item.DepartmentID, item.Title, item.Body, string(data))
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", mapPostgresError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert notification rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string, limit, offset int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, message_id, department_id, title, body, data::text, read_at, created_at
		FROM notifications
		WHERE recipient_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, recipientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var (
			item Notification
			data string
		)
		if err := rows.Scan(&item.ID, &item.RecipientID, &item.MessageID, &item.DepartmentID, &item.Title, &item.Body, &data, &item.ReadAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		item.Data = []byte(data)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, recipientID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at=COALESCE(read_at, NOW())
		WHERE id=$1 AND recipient_id=$2
	`, notificationID, recipientID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}
