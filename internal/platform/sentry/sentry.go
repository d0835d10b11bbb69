package sentry

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config holds Sentry configuration.
type Config struct {
	DSN         string
	Environment string
	Release     string
	Component   string
}

// Initialize sets up Sentry if a DSN is configured. Without one every
// capture below is a no-op.
func Initialize(cfg Config) error {
	if cfg.DSN == "" {
		return nil
	}
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}

	host, _ := os.Hostname()
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
		ServerName:       host,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if event.Tags == nil {
				event.Tags = map[string]string{}
			}
			event.Tags["component"] = cfg.Component
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	return nil
}

// Enabled reports whether a Sentry client is configured.
func Enabled() bool {
	return sentry.CurrentHub().Client() != nil
}

// Flush waits for all events to be sent.
func Flush(timeout time.Duration) {
	if Enabled() {
		sentry.Flush(timeout)
	}
}

// CaptureError captures an error with tags.
func CaptureError(err error, tags map[string]string) {
	if !Enabled() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Reporter adapts the package level capture to an injectable value.
type Reporter struct{}

func (Reporter) CaptureError(err error, tags map[string]string) {
	CaptureError(err, tags)
}
