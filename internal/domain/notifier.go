// internal/domain/notifier.go
package domain

import "context"

// PushMessage is the payload delivered to a contractor device.
type PushMessage struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// NotificationGateway delivers a push message to one device token.
type NotificationGateway interface {
	Deliver(ctx context.Context, token string, msg PushMessage) error
}
