package notifier

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogSender writes messages to the log instead of a provider. Used when
// SMS_MOCK is set.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, to, body string) (string, error) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	sid := "MOCK" + uuid.NewString()
	l.Info("mock sms", "to", to, "sid", sid, "body", body)
	return sid, nil
}
