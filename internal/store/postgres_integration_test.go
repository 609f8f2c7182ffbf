package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      *PostgresStore
	companyID  string
	otherCoID  string
	deptID     string
	otherDept  string
	senderID   string
	approverID string
}

// openTestStore migrates a fresh public schema. Requires
// DESKLINE_TEST_DATABASE_URL and a non-short run.
func openTestStore(t *testing.T) fixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("DESKLINE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("DESKLINE_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)
	require.NoError(t, ApplyMigrations(ctx, db))

	f := fixture{store: NewPostgresStore(db)}
	require.NoError(t, db.QueryRowContext(ctx, `INSERT INTO companies (name) VALUES ('Acme') RETURNING id`).Scan(&f.companyID))
	require.NoError(t, db.QueryRowContext(ctx, `INSERT INTO companies (name) VALUES ('Globex') RETURNING id`).Scan(&f.otherCoID))
	require.NoError(t, db.QueryRowContext(ctx, `INSERT INTO departments (company_id, name) VALUES ($1, 'Finance') RETURNING id`, f.companyID).Scan(&f.deptID))
	require.NoError(t, db.QueryRowContext(ctx, `INSERT INTO departments (company_id, name) VALUES ($1, 'Legal') RETURNING id`, f.companyID).Scan(&f.otherDept))
	require.NoError(t, db.QueryRowContext(ctx, `INSERT INTO users (display_name, email) VALUES ('Avery', 'avery@example.com') RETURNING id`).Scan(&f.senderID))
	require.NoError(t, db.QueryRowContext(ctx, `INSERT INTO users (display_name, email) VALUES ('Blake', 'blake@example.com') RETURNING id`).Scan(&f.approverID))
	_, err = db.ExecContext(ctx, `INSERT INTO department_members (department_id, user_id) VALUES ($1, $2), ($1, $3)`, f.deptID, f.senderID, f.approverID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO company_members (company_id, user_id, role) VALUES ($1, $2, 'manager')`, f.companyID, f.approverID)
	require.NoError(t, err)
	return f
}

func text(value string) *string { return &value }

func TestMigrationsRoundTripPostgres(t *testing.T) {
	f := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, RollbackMigrations(ctx, f.store.DB()))
	require.NoError(t, ApplyMigrations(ctx, f.store.DB()))
}

func TestMembershipQueries(t *testing.T) {
	f := openTestStore(t)
	ctx := context.Background()

	ok, err := f.store.IsDepartmentMember(ctx, f.deptID, f.senderID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.store.DB().ExecContext(ctx, `UPDATE department_members SET can_access=FALSE WHERE user_id=$1`, f.senderID)
	require.NoError(t, err)
	ok, err = f.store.IsDepartmentMember(ctx, f.deptID, f.senderID)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = f.store.IsCompanyMember(ctx, f.companyID, f.approverID)
	require.NoError(t, err)
	require.True(t, ok)

	exists, err := f.store.CompanyExists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, exists)

	roster, err := f.store.DepartmentRoster(ctx, f.deptID)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	require.Equal(t, f.approverID, roster[0].UserID)
}

func TestDocumentApprovalIsDecidedOnce(t *testing.T) {
	f := openTestStore(t)
	ctx := context.Background()

	messageID := uuid.NewString()
	approvalID := uuid.NewString()
	created, err := f.store.CreateMessage(ctx, NewMessage{
		ID:           messageID,
		DepartmentID: f.deptID,
		SenderID:     f.senderID,
		Type:         MessageDocument,
		Content:      text("Invoice 42"),
	}, &NewApproval{ID: approvalID, CompanyID: f.companyID, DocumentName: "Invoice", DocumentNumber: "42"})
	require.NoError(t, err)
	require.NotNil(t, created.Approval)
	require.Equal(t, ApprovalPending, created.Approval.Status)
	require.Equal(t, "Avery", created.SenderName)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		decided  int
		statuses []string
		errs     []error
	)
	for _, status := range []string{ApprovalApproved, ApprovalRejected, ApprovalApproved} {
		wg.Add(1)
		go func(status string) {
			defer wg.Done()
			item, ok, err := f.store.DecideApproval(ctx, approvalID, status, f.approverID, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				decided++
				statuses = append(statuses, item.Status)
			}
		}(status)
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Equal(t, 1, decided)

	scope, err := f.store.GetApprovalScope(ctx, approvalID)
	require.NoError(t, err)
	require.Equal(t, statuses[0], scope.Approval.Status)
	require.NotNil(t, scope.Approval.ApprovedAt)
	require.False(t, scope.ApprovalsDisabled)

	pending, pendingTotal, err := f.store.ListPendingApprovals(ctx, f.companyID, 50, 0)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Zero(t, pendingTotal)

	all, total, err := f.store.ListApprovals(ctx, f.companyID, "", 50, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "Finance", all[0].DepartmentName)
}

func TestEditHistoryAndSoftDelete(t *testing.T) {
	f := openTestStore(t)
	ctx := context.Background()

	messageID := uuid.NewString()
	_, err := f.store.CreateMessage(ctx, NewMessage{ID: messageID, DepartmentID: f.deptID, SenderID: f.senderID, Type: MessageText, Content: text("v1")}, nil)
	require.NoError(t, err)

	_, err = f.store.EditMessage(ctx, messageID, uuid.NewString(), "v2", f.senderID)
	require.NoError(t, err)
	edited, err := f.store.EditMessage(ctx, messageID, uuid.NewString(), "v3", f.senderID)
	require.NoError(t, err)
	require.True(t, edited.IsEdited)
	require.Equal(t, "v3", *edited.Content)

	edits, err := f.store.ListMessageEdits(ctx, messageID)
	require.NoError(t, err)
	require.Len(t, edits, 2)
	require.Equal(t, "v1", edits[0].PreviousContent)
	require.Equal(t, "v2", edits[1].PreviousContent)

	deleted, changed, err := f.store.SoftDeleteMessage(ctx, messageID, f.senderID)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, deleted.IsDeleted)
	require.Equal(t, "v3", *deleted.Content)

	_, changed, err = f.store.SoftDeleteMessage(ctx, messageID, f.senderID)
	require.NoError(t, err)
	require.False(t, changed)

	_, err = f.store.EditMessage(ctx, messageID, uuid.NewString(), "v4", f.senderID)
	require.True(t, errors.Is(err, ErrMessageDeleted))
}

func TestDeletedMessagesNewestDeletionFirst(t *testing.T) {
	f := openTestStore(t)
	ctx := context.Background()

	first, second := uuid.NewString(), uuid.NewString()
	for _, id := range []string{first, second} {
		_, err := f.store.CreateMessage(ctx, NewMessage{ID: id, DepartmentID: f.deptID, SenderID: f.senderID, Type: MessageText, Content: text(id)}, nil)
		require.NoError(t, err)
	}
	_, _, err := f.store.SoftDeleteMessage(ctx, first, f.senderID)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, _, err = f.store.SoftDeleteMessage(ctx, second, f.senderID)
	require.NoError(t, err)

	items, err := f.store.ListDeletedMessages(ctx, f.deptID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, second, items[0].ID)
	require.Equal(t, first, items[1].ID)
}

func TestForwardMessageLinksAuditRecord(t *testing.T) {
	f := openTestStore(t)
	ctx := context.Background()

	sourceID := uuid.NewString()
	duration := 12
	_, err := f.store.CreateMessage(ctx, NewMessage{ID: sourceID, DepartmentID: f.deptID, SenderID: f.senderID, Type: MessageVoice, VoiceDuration: &duration}, nil)
	require.NoError(t, err)

	copyID := uuid.NewString()
	forwarded, err := f.store.ForwardMessage(ctx, ForwardRecord{
		ID:                 uuid.NewString(),
		SourceMessageID:    sourceID,
		SourceDepartmentID: f.deptID,
		TargetDepartmentID: f.otherDept,
		ForwardedBy:        f.senderID,
		Note:               text("fyi"),
	}, NewMessage{ID: copyID, DepartmentID: f.otherDept, SenderID: f.senderID, Type: MessageVoice, VoiceDuration: &duration, ParentID: &sourceID})
	require.NoError(t, err)
	require.Equal(t, sourceID, *forwarded.ParentID)
	require.Equal(t, 12, *forwarded.VoiceDuration)

	forwards, err := f.store.ListForwards(ctx, sourceID)
	require.NoError(t, err)
	require.Len(t, forwards, 1)
	require.Equal(t, copyID, forwards[0].ForwardedMessageID)
}

func TestArchivingOldMessagesKeepsLiveReferences(t *testing.T) {
	f := openTestStore(t)
	ctx := context.Background()

	oldID, replyID, copyID := uuid.NewString(), uuid.NewString(), uuid.NewString()
	_, err := f.store.CreateMessage(ctx, NewMessage{ID: oldID, DepartmentID: f.deptID, SenderID: f.senderID, Type: MessageText, Content: text("old")}, nil)
	require.NoError(t, err)
	_, err = f.store.CreateMessage(ctx, NewMessage{ID: replyID, DepartmentID: f.deptID, SenderID: f.approverID, Type: MessageText, Content: text("re"), ReplyToID: &oldID}, nil)
	require.NoError(t, err)
	_, err = f.store.ForwardMessage(ctx, ForwardRecord{
		ID:                 uuid.NewString(),
		SourceMessageID:    oldID,
		SourceDepartmentID: f.deptID,
		TargetDepartmentID: f.otherDept,
		ForwardedBy:        f.senderID,
	}, NewMessage{ID: copyID, DepartmentID: f.otherDept, SenderID: f.senderID, Type: MessageText, Content: text("old"), ParentID: &oldID})
	require.NoError(t, err)

	// Retention removes rows outside the live window directly.
	_, err = f.store.DB().ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, oldID)
	require.NoError(t, err)

	reply, err := f.store.GetMessage(ctx, replyID)
	require.NoError(t, err)
	require.Nil(t, reply.ReplyToID)

	copied, err := f.store.GetMessage(ctx, copyID)
	require.NoError(t, err)
	require.Nil(t, copied.ParentID)

	var audits int
	require.NoError(t, f.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM message_forwards WHERE forwarded_message_id=$1 AND source_message_id IS NULL`, copyID).Scan(&audits))
	require.Equal(t, 1, audits)
}

func TestInsertNotificationIsIdempotent(t *testing.T) {
	f := openTestStore(t)
	ctx := context.Background()

	messageID := uuid.NewString()
	_, err := f.store.CreateMessage(ctx, NewMessage{ID: messageID, DepartmentID: f.deptID, SenderID: f.senderID, Type: MessageText, Content: text("hi")}, nil)
	require.NoError(t, err)

	item := Notification{ID: uuid.NewString(), RecipientID: f.approverID, MessageID: messageID, DepartmentID: f.deptID, Title: "Avery", Body: "hi"}
	inserted, err := f.store.InsertNotification(ctx, item)
	require.NoError(t, err)
	require.True(t, inserted)

	item.ID = uuid.NewString()
	inserted, err = f.store.InsertNotification(ctx, item)
	require.NoError(t, err)
	require.False(t, inserted)

	items, err := f.store.ListNotifications(ctx, f.approverID, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.JSONEq(t, `{}`, string(items[0].Data))

	ok, err := f.store.MarkNotificationRead(ctx, items[0].ID, f.approverID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.store.MarkNotificationRead(ctx, items[0].ID, f.senderID)
	require.NoError(t, err)
	require.False(t, ok)
}
