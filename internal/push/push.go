// Package push delivers notifications outside the app. Delivery is
// attempted once; callers log failures and move on.
package push

import (
	"context"
	"errors"
)

// Push is a single notification for one recipient.
type Push struct {
	RecipientID string            `json:"recipientId"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
}

type Provider interface {
	Send(ctx context.Context, p Push) error
}

// Multi fans a push out to every provider and joins their errors.
type Multi []Provider

func (m Multi) Send(ctx context.Context, p Push) error {
	var errs []error
	for _, provider := range m {
		if err := provider.Send(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Noop struct{}

func (Noop) Send(context.Context, Push) error { return nil }

// Combine returns Noop when nothing is configured and the single provider
// when there is only one.
func Combine(providers ...Provider) Provider {
	configured := make(Multi, 0, len(providers))
	for _, provider := range providers {
		if provider != nil {
			configured = append(configured, provider)
		}
	}
	switch len(configured) {
	case 0:
		return Noop{}
	case 1:
		return configured[0]
	default:
		return configured
	}
}
