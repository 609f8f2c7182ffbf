package app

import (
	"context"

	"github.com/samber/lo"

	"deskline/api/internal/store"
)

func (s *Service) ListNotifications(ctx context.Context, actor Actor, page, limit int) ([]NotificationView, error) {
	limit, offset, err := pageBounds(page, limit)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListNotifications(ctx, actor.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	return lo.Map(items, func(item store.Notification, _ int) NotificationView {
		return notificationView(item)
	}), nil
}

// MarkNotificationRead only touches the actor's own notifications; anything
// else looks missing.
func (s *Service) MarkNotificationRead(ctx context.Context, notificationID string, actor Actor) error {
	ok, err := s.store.MarkNotificationRead(ctx, notificationID, actor.ID)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("notification not found")
	}
	return nil
}
