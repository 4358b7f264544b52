package notifier

import "context"

// Service delivers a text message to a phone number.
type Service interface {
	Send(ctx context.Context, phone, text string) error
}
