// Package notify delivers generated notification text to its consumer.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification is one generated message ready for delivery.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AppID     string    `json:"app_id"`
	Body      string    `json:"body"`
	Provider  string    `json:"provider,omitempty"`
	FromCache bool      `json:"from_cache"`
	CreatedAt time.Time `json:"created_at"`
}

// New stamps a Notification with a fresh ID and the current time.
func New(userID, appID, body, provider string, fromCache bool) Notification {
	return Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		AppID:     appID,
		Body:      body,
		Provider:  provider,
		FromCache: fromCache,
		CreatedAt: time.Now().UTC(),
	}
}

// Sink receives notifications.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
	Close() error
}

// LogSink writes notifications to a logger. It is the default sink when no
// broker is configured.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a LogSink writing to log.
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Deliver(_ context.Context, n Notification) error {
	s.log.Info("notification",
		zap.String("id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("app_id", n.AppID),
		zap.String("provider", n.Provider),
		zap.Bool("from_cache", n.FromCache),
		zap.String("body", n.Body),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
