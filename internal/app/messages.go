package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"deskline/api/internal/bus"
	"deskline/api/internal/search"
	"deskline/api/internal/storage"
	"deskline/api/internal/store"
	"deskline/api/internal/util"
)

type CreateMessageInput struct {
	Type           string  `json:"type" validate:"required,oneof=TEXT VOICE FILE DOCUMENT"`
	Content        *string `json:"content"`
	VoiceDuration  *int    `json:"voiceDuration"`
	FileID         string  `json:"fileId" validate:"required_if=Type FILE,max=1024"`
	FilePath       string  `json:"filePath" validate:"max=1024"`
	FileMimeType   string  `json:"fileMimeType" validate:"max=255"`
	FileSize       int64   `json:"fileSize" validate:"gte=0"`
	ReplyToID      string  `json:"replyToId"`
	DocumentName   string  `json:"documentName" validate:"required_if=Type DOCUMENT,max=255"`
	DocumentNumber string  `json:"documentNumber" validate:"required_if=Type DOCUMENT,max=100"`
}

type EditMessageInput struct {
	Content string `json:"content" validate:"required"`
}

type ForwardMessageInput struct {
	TargetDepartmentID string  `json:"targetDepartmentId" validate:"required"`
	Note               *string `json:"note" validate:"omitempty,max=1000"`
}

type SearchResult struct {
	search.Response
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (s *Service) CreateMessage(ctx context.Context, departmentID string, input CreateMessageInput, actor Actor) (MessageView, error) {
	scope, err := s.CheckDepartmentAccess(ctx, departmentID, actor)
	if err != nil {
		return MessageView{}, err
	}

	input.DocumentName = strings.TrimSpace(input.DocumentName)
	input.DocumentNumber = strings.TrimSpace(input.DocumentNumber)
	input.FileID = strings.TrimSpace(input.FileID)
	if err := s.validate.Struct(input); err != nil {
		return MessageView{}, validationError(err)
	}
	if err := s.checkContent(input.Type, input.Content); err != nil {
		return MessageView{}, err
	}

	msg := store.NewMessage{
		ID:           util.NewID(""),
		DepartmentID: departmentID,
		SenderID:     actor.ID,
		Type:         input.Type,
		Content:      input.Content,
	}

	if input.Type == store.MessageVoice {
		if input.VoiceDuration == nil || *input.VoiceDuration <= 0 || *input.VoiceDuration > s.cfg.MaxVoiceDurationSeconds {
			return MessageView{}, badRequest(fmt.Sprintf("voiceDuration must be between 1 and %d seconds", s.cfg.MaxVoiceDurationSeconds))
		}
		msg.VoiceDuration = input.VoiceDuration
	}

	if input.FileID != "" {
		file, err := s.resolveFile(ctx, input)
		if err != nil {
			return MessageView{}, err
		}
		msg.File = &file
	}

	if replyTo := strings.TrimSpace(input.ReplyToID); replyTo != "" {
		target, err := s.store.GetMessage(ctx, replyTo)
		if errors.Is(err, sql.ErrNoRows) {
			return MessageView{}, notFound("reply target not found")
		}
		if err != nil {
			return MessageView{}, err
		}
		if target.DepartmentID != departmentID || target.IsDeleted {
			return MessageView{}, notFound("reply target not found")
		}
		msg.ReplyToID = &replyTo
	}

	var approval *store.NewApproval
	if input.Type == store.MessageDocument {
		approval = &store.NewApproval{
			ID:             util.NewID(""),
			CompanyID:      scope.CompanyID,
			DocumentName:   input.DocumentName,
			DocumentNumber: input.DocumentNumber,
		}
	}

	created, err := s.store.CreateMessage(ctx, msg, approval)
	if errors.Is(err, store.ErrReferenceNotFound) {
		return MessageView{}, notFound("referenced message not found")
	}
	if err != nil {
		return MessageView{}, err
	}

	view := messageView(created, scope.CompanyID, false)
	s.publish(ctx, bus.ExchangeMessages, bus.MessageCreated, view)
	return view, nil
}

// checkContent enforces the length limit and requires text for TEXT messages.
func (s *Service) checkContent(messageType string, content *string) error {
	if content == nil || strings.TrimSpace(*content) == "" {
		if messageType == store.MessageText {
			return badRequest("content is required for TEXT messages")
		}
		return nil
	}
	if err := s.validate.Var(*content, "max="+strconv.Itoa(s.cfg.MaxContentLength)); err != nil {
		return badRequest(fmt.Sprintf("content must be at most %d characters", s.cfg.MaxContentLength))
	}
	return nil
}

func (s *Service) resolveFile(ctx context.Context, input CreateMessageInput) (store.File, error) {
	if s.files == nil {
		return store.File{
			ID:       input.FileID,
			Path:     input.FilePath,
			MimeType: input.FileMimeType,
			Size:     input.FileSize,
		}, nil
	}
	file, err := s.files.Resolve(ctx, input.FileID)
	if errors.Is(err, storage.ErrFileNotFound) {
		return store.File{}, notFound("file not found")
	}
	if err != nil {
		return store.File{}, fmt.Errorf("resolve file: %w", err)
	}
	return file, nil
}

func (s *Service) EditMessage(ctx context.Context, messageID string, input EditMessageInput, actor Actor) (MessageView, error) {
	if err := s.validate.Struct(input); err != nil {
		return MessageView{}, validationError(err)
	}

	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return MessageView{}, err
	}
	scope, err := s.CheckDepartmentAccess(ctx, msg.DepartmentID, actor)
	if err != nil {
		return MessageView{}, err
	}
	switch {
	case msg.SenderID != actor.ID:
		return MessageView{}, forbidden("only the sender can edit this message")
	case msg.IsDeleted:
		return MessageView{}, forbidden("deleted messages cannot be edited")
	case msg.Type != store.MessageText:
		return MessageView{}, forbidden("only TEXT messages can be edited")
	}
	if err := s.checkContent(store.MessageText, &input.Content); err != nil {
		return MessageView{}, err
	}

	edited, err := s.store.EditMessage(ctx, messageID, util.NewID(""), input.Content, actor.ID)
	if errors.Is(err, store.ErrMessageDeleted) {
		return MessageView{}, forbidden("deleted messages cannot be edited")
	}
	if err != nil {
		return MessageView{}, err
	}

	view := messageView(edited, scope.CompanyID, false)
	s.publish(ctx, bus.ExchangeMessages, bus.MessageEdited, view)
	return view, nil
}

// DeleteMessage soft-deletes a message. Deleting twice returns the row
// unchanged and publishes nothing.
func (s *Service) DeleteMessage(ctx context.Context, messageID string, actor Actor) (MessageView, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return MessageView{}, err
	}
	scope, err := s.CheckDepartmentAccess(ctx, msg.DepartmentID, actor)
	if err != nil {
		return MessageView{}, err
	}
	if msg.SenderID != actor.ID && !actor.privileged() {
		return MessageView{}, forbidden("only the sender can delete this message")
	}
	if msg.IsDeleted {
		return messageView(msg, scope.CompanyID, !actor.capability().SeesDeleted), nil
	}

	deleted, changed, err := s.store.SoftDeleteMessage(ctx, messageID, actor.ID)
	if err != nil {
		return MessageView{}, err
	}
	if changed {
		s.publish(ctx, bus.ExchangeMessages, bus.MessageDeleted, messageView(deleted, scope.CompanyID, true))
	}
	return messageView(deleted, scope.CompanyID, !actor.capability().SeesDeleted), nil
}

func (s *Service) ForwardMessage(ctx context.Context, messageID string, input ForwardMessageInput, actor Actor) (MessageView, error) {
	input.TargetDepartmentID = strings.TrimSpace(input.TargetDepartmentID)
	if err := s.validate.Struct(input); err != nil {
		return MessageView{}, validationError(err)
	}

	source, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return MessageView{}, err
	}
	sourceScope, err := s.CheckDepartmentAccess(ctx, source.DepartmentID, actor)
	if err != nil {
		return MessageView{}, err
	}
	if source.IsDeleted {
		return MessageView{}, notFound("message not found")
	}
	targetScope, err := s.CheckDepartmentAccess(ctx, input.TargetDepartmentID, actor)
	if err != nil {
		return MessageView{}, err
	}
	if targetScope.CompanyID != sourceScope.CompanyID {
		return MessageView{}, forbidden("messages cannot be forwarded to another company")
	}

	sourceID := source.ID
	copied := store.NewMessage{
		ID:            util.NewID(""),
		DepartmentID:  targetScope.Department.ID,
		SenderID:      actor.ID,
		Type:          source.Type,
		Content:       source.Content,
		VoiceDuration: source.VoiceDuration,
		File:          source.File,
		ParentID:      &sourceID,
	}
	record := store.ForwardRecord{
		ID:                 util.NewID(""),
		SourceMessageID:    source.ID,
		SourceDepartmentID: source.DepartmentID,
		TargetDepartmentID: targetScope.Department.ID,
		ForwardedBy:        actor.ID,
		Note:               input.Note,
	}

	forwarded, err := s.store.ForwardMessage(ctx, record, copied)
	if errors.Is(err, store.ErrMessageDeleted) || errors.Is(err, sql.ErrNoRows) {
		return MessageView{}, notFound("message not found")
	}
	if err != nil {
		return MessageView{}, err
	}

	view := messageView(forwarded, targetScope.CompanyID, false)
	s.publish(ctx, bus.ExchangeMessages, bus.MessageCreated, view)
	return view, nil
}

func (s *Service) ListMessages(ctx context.Context, departmentID string, actor Actor, page, limit int) ([]MessageView, error) {
	limit, offset, err := pageBounds(page, limit)
	if err != nil {
		return nil, err
	}
	scope, err := s.CheckDepartmentAccess(ctx, departmentID, actor)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListMessages(ctx, departmentID, limit, offset)
	if err != nil {
		return nil, err
	}
	return messageViews(items, scope.CompanyID, !actor.capability().SeesDeleted), nil
}

func (s *Service) FindMessage(ctx context.Context, messageID string, actor Actor) (MessageView, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return MessageView{}, err
	}
	scope, err := s.CheckDepartmentAccess(ctx, msg.DepartmentID, actor)
	if err != nil {
		return MessageView{}, err
	}
	return messageView(msg, scope.CompanyID, !actor.capability().SeesDeleted), nil
}

func (s *Service) EditHistory(ctx context.Context, messageID string, actor Actor) ([]EditView, error) {
	if !actor.capability().SeesDeleted {
		return nil, forbidden("edit history is restricted")
	}
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.CheckDepartmentAccess(ctx, msg.DepartmentID, actor); err != nil {
		return nil, err
	}
	edits, err := s.store.ListMessageEdits(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return editViews(edits), nil
}

// ForwardAudit lists where a message was forwarded, oldest first.
func (s *Service) ForwardAudit(ctx context.Context, messageID string, actor Actor) ([]ForwardView, error) {
	if !actor.capability().SeesDeleted {
		return nil, forbidden("forward audit is restricted")
	}
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.CheckDepartmentAccess(ctx, msg.DepartmentID, actor); err != nil {
		return nil, err
	}
	forwards, err := s.store.ListForwards(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return forwardViews(forwards), nil
}

func (s *Service) DeletedMessages(ctx context.Context, departmentID string, actor Actor) ([]MessageView, error) {
	if !actor.capability().SeesDeleted {
		return nil, forbidden("deleted messages are restricted")
	}
	scope, err := s.CheckDepartmentAccess(ctx, departmentID, actor)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListDeletedMessages(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	return messageViews(items, scope.CompanyID, false), nil
}

func (s *Service) SearchMessages(ctx context.Context, departmentID, text string, actor Actor, page, limit int) (SearchResult, error) {
	limit, offset, err := pageBounds(page, limit)
	if err != nil {
		return SearchResult{}, err
	}
	if _, err := s.CheckDepartmentAccess(ctx, departmentID, actor); err != nil {
		return SearchResult{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return SearchResult{}, badRequest("q is required")
	}
	if s.search == nil {
		return SearchResult{Response: search.Response{Results: []search.Result{}, Query: text}, Limit: limit, Offset: offset}, nil
	}
	response := s.search.Search(ctx, search.Query{
		Text:         text,
		DepartmentID: departmentID,
		Limit:        limit,
		Offset:       offset,
	})
	return SearchResult{Response: response, Limit: limit, Offset: offset}, nil
}

func (s *Service) loadMessage(ctx context.Context, messageID string) (store.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, notFound("message not found")
	}
	if err != nil {
		return store.Message{}, err
	}
	return msg, nil
}
