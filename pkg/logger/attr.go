// Package logger builds slog loggers with environment presets, context
// extractors and a shared vocabulary of attribute keys for billing and
// metering logs.
package logger

import (
	"log/slog"
	"time"
)

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr, so it is safe to pass unconditionally.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// UserID records the user identifier under the key "user_id".
// If id is nil, it returns an empty Attr.
func UserID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("user_id", id)
}

func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

func SubscriptionID(id string) slog.Attr {
	return slog.String("subscription_id", id)
}

func TaskID(id any) slog.Attr {
	return slog.Any("task_id", id)
}

func TaskType(t string) slog.Attr {
	return slog.String("task_type", t)
}

func Plan(name, interval string) slog.Attr {
	return slog.Group("plan", slog.String("name", name), slog.String("interval", interval))
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
