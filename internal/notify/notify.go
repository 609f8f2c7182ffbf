// Package notify turns new messages into per-recipient notifications.
//
// The Requester fans a message.created event out into one
// notification.requested event per department member. The Deliverer stores
// each one as an in-app notification and then tries a push once.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"deskline/api/internal/bus"
	"deskline/api/internal/push"
	"deskline/api/internal/store"
	"deskline/api/internal/util"
)

const previewLength = 120

type rosterStore interface {
	GetDepartment(ctx context.Context, departmentID string) (store.Department, error)
	DepartmentRoster(ctx context.Context, departmentID string) ([]store.RosterMember, error)
}

type notificationStore interface {
	InsertNotification(ctx context.Context, item store.Notification) (bool, error)
}

type publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, env bus.Envelope) bool
}

type consumer interface {
	ConsumeWhenReady(ctx context.Context, binding bus.Binding, handler bus.Handler)
}

// Request is the notification.requested payload.
type Request struct {
	RecipientID  string `json:"recipientId"`
	MessageID    string `json:"messageId"`
	DepartmentID string `json:"departmentId"`
	CompanyID    string `json:"companyId"`
	SenderID     string `json:"senderId"`
	Title        string `json:"title"`
	Body         string `json:"body"`
}

type messagePayload struct {
	ID           string  `json:"id"`
	DepartmentID string  `json:"departmentId"`
	CompanyID    string  `json:"companyId"`
	SenderID     string  `json:"senderId"`
	SenderName   string  `json:"senderName"`
	Type         string  `json:"type"`
	Content      *string `json:"content"`
	Approval     *struct {
		DocumentName string `json:"documentName"`
	} `json:"approval"`
}

type Requester struct {
	store rosterStore
	bus   publisher
	log   zerolog.Logger
}

func NewRequester(rosters rosterStore, pub publisher, logger zerolog.Logger) *Requester {
	return &Requester{store: rosters, bus: pub, log: logger.With().Str("component", "notify.requester").Logger()}
}

func (r *Requester) Register(ctx context.Context, c consumer) {
	c.ConsumeWhenReady(ctx, bus.Binding{
		Exchange:   bus.ExchangeMessages,
		RoutingKey: bus.MessageCreated,
		Queue:      bus.QueueNotifierMessageCreated,
	}, r.HandleMessageCreated)
}

// HandleMessageCreated publishes one request per roster member except the
// sender. A partial publish is retried as a whole; delivery is idempotent.
func (r *Requester) HandleMessageCreated(ctx context.Context, env bus.Envelope) error {
	var msg messagePayload
	if err := env.Decode(&msg); err != nil {
		return err
	}

	department, err := r.store.GetDepartment(ctx, msg.DepartmentID)
	if err != nil {
		return fmt.Errorf("load department %s: %w", msg.DepartmentID, err)
	}
	roster, err := r.store.DepartmentRoster(ctx, msg.DepartmentID)
	if err != nil {
		return fmt.Errorf("load roster %s: %w", msg.DepartmentID, err)
	}
	recipients := lo.Filter(roster, func(member store.RosterMember, _ int) bool {
		return member.UserID != msg.SenderID
	})

	companyID := msg.CompanyID
	if companyID == "" {
		companyID = department.CompanyID
	}
	body := preview(msg)

	failed := 0
	for _, member := range recipients {
		request := Request{
			RecipientID:  member.UserID,
			MessageID:    msg.ID,
			DepartmentID: msg.DepartmentID,
			CompanyID:    companyID,
			SenderID:     msg.SenderID,
			Title:        department.Name,
			Body:         body,
		}
		out, err := bus.NewEnvelope(bus.NotificationRequested, request)
		if err != nil {
			return err
		}
		if !r.bus.Publish(ctx, bus.ExchangeNotifications, bus.NotificationRequested, out) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("publish %d of %d notification requests failed", failed, len(recipients))
	}
	r.log.Debug().Str("message_id", msg.ID).Int("recipients", len(recipients)).Msg("notifications requested")
	return nil
}

func preview(msg messagePayload) string {
	var text string
	switch msg.Type {
	case store.MessageVoice:
		text = "Voice message"
	case store.MessageFile:
		text = "Sent a file"
	case store.MessageDocument:
		text = "Document for approval"
		if msg.Approval != nil && msg.Approval.DocumentName != "" {
			text += ": " + msg.Approval.DocumentName
		}
	default:
		if msg.Content != nil {
			text = truncate(*msg.Content, previewLength)
		}
	}
	if msg.SenderName == "" {
		return text
	}
	return msg.SenderName + ": " + text
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit]) + "…"
}

type Deliverer struct {
	store notificationStore
	push  push.Provider
	log   zerolog.Logger
}

func NewDeliverer(notifications notificationStore, provider push.Provider, logger zerolog.Logger) *Deliverer {
	if provider == nil {
		provider = push.Noop{}
	}
	return &Deliverer{store: notifications, push: provider, log: logger.With().Str("component", "notify.deliverer").Logger()}
}

func (d *Deliverer) Register(ctx context.Context, c consumer) {
	c.ConsumeWhenReady(ctx, bus.Binding{
		Exchange:   bus.ExchangeNotifications,
		RoutingKey: bus.NotificationRequested,
		Queue:      bus.QueueNotifierRequested,
	}, d.HandleRequested)
}

// HandleRequested stores the in-app notification and pushes it once. Only
// the store write can fail the handler; a redelivered request that was
// already stored is not pushed again.
func (d *Deliverer) HandleRequested(ctx context.Context, env bus.Envelope) error {
	var request Request
	if err := env.Decode(&request); err != nil {
		return err
	}
	if request.RecipientID == "" || request.MessageID == "" {
		return errors.New("notification request without recipient or message")
	}

	data, err := json.Marshal(map[string]string{
		"messageId":    request.MessageID,
		"departmentId": request.DepartmentID,
		"companyId":    request.CompanyID,
	})
	if err != nil {
		return err
	}

	inserted, err := d.store.InsertNotification(ctx, store.Notification{
		ID:           util.NewID(""),
		RecipientID:  request.RecipientID,
		MessageID:    request.MessageID,
		DepartmentID: request.DepartmentID,
		Title:        request.Title,
		Body:         request.Body,
		Data:         data,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	err = d.push.Send(ctx, push.Push{
		RecipientID: request.RecipientID,
		Title:       request.Title,
		Body:        request.Body,
		Data: map[string]string{
			"messageId":    request.MessageID,
			"departmentId": request.DepartmentID,
		},
	})
	if err != nil {
		d.log.Warn().Err(err).
			Str("recipient_id", request.RecipientID).
			Str("message_id", request.MessageID).
			Msg("push delivery failed")
	}
	return nil
}
