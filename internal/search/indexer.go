package search

import (
	"context"
	"time"

	"deskline/api/internal/bus"
)

type messageIndex interface {
	IndexMessage(ctx context.Context, record MessageRecord) error
	DeleteMessage(ctx context.Context, id string) error
}

type consumer interface {
	ConsumeWhenReady(ctx context.Context, binding bus.Binding, handler bus.Handler)
}

// Indexer keeps the message index in step with the Messages exchange.
type Indexer struct {
	index messageIndex
}

func NewIndexer(index messageIndex) *Indexer {
	return &Indexer{index: index}
}

// messagePayload is the part of a published message the index needs.
type messagePayload struct {
	ID           string    `json:"id"`
	DepartmentID string    `json:"departmentId"`
	CompanyID    string    `json:"companyId"`
	SenderID     string    `json:"senderId"`
	SenderName   string    `json:"senderName"`
	Type         string    `json:"type"`
	Content      *string   `json:"content"`
	IsDeleted    bool      `json:"isDeleted"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (i *Indexer) Register(ctx context.Context, c consumer) {
	for _, binding := range []bus.Binding{
		{Exchange: bus.ExchangeMessages, RoutingKey: bus.MessageCreated, Queue: bus.QueueSearchMessageCreated},
		{Exchange: bus.ExchangeMessages, RoutingKey: bus.MessageEdited, Queue: bus.QueueSearchMessageEdited},
	} {
		c.ConsumeWhenReady(ctx, binding, i.HandleUpsert)
	}
	c.ConsumeWhenReady(ctx, bus.Binding{
		Exchange:   bus.ExchangeMessages,
		RoutingKey: bus.MessageDeleted,
		Queue:      bus.QueueSearchMessageDeleted,
	}, i.HandleDelete)
}

func (i *Indexer) HandleUpsert(ctx context.Context, env bus.Envelope) error {
	var payload messagePayload
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if payload.IsDeleted {
		return i.index.DeleteMessage(ctx, payload.ID)
	}
	record := MessageRecord{
		ID:           payload.ID,
		DepartmentID: payload.DepartmentID,
		CompanyID:    payload.CompanyID,
		SenderID:     payload.SenderID,
		SenderName:   payload.SenderName,
		Type:         payload.Type,
		CreatedAt:    payload.CreatedAt.UnixMilli(),
	}
	if payload.Content != nil {
		record.Content = *payload.Content
	}
	return i.index.IndexMessage(ctx, record)
}

func (i *Indexer) HandleDelete(ctx context.Context, env bus.Envelope) error {
	var payload messagePayload
	if err := env.Decode(&payload); err != nil {
		return err
	}
	return i.index.DeleteMessage(ctx, payload.ID)
}
