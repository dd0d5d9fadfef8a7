package sentry

import (
	"context"
	"fmt"
	"time"

	sentrygo "github.com/getsentry/sentry-go"
)

type Options struct {
	DSN         string
	Environment string
	Release     string
	Tags        map[string]string
}

// Init sets up Sentry. An empty DSN leaves it disabled.
func Init(opt Options) error {
	if opt.DSN == "" {
		return nil
	}
	err := sentrygo.Init(sentrygo.ClientOptions{
		Dsn:         opt.DSN,
		Environment: opt.Environment,
		Release:     opt.Release,
		Tags:        opt.Tags,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return nil
}

// Enabled reports whether Init configured a client.
func Enabled() bool {
	return sentrygo.CurrentHub().Client() != nil
}

// RecoverAndFlush captures a panic, flushes, and rethrows it.
func RecoverAndFlush() {
	if !Enabled() {
		return
	}
	if r := recover(); r != nil {
		sentrygo.CurrentHub().Recover(r)
		sentrygo.Flush(5 * time.Second)
		panic(r)
	}
	sentrygo.Flush(5 * time.Second)
}

// Flush waits up to timeout, or the context deadline if sooner, for
// buffered events.
func Flush(ctx context.Context, timeout time.Duration) {
	if !Enabled() {
		return
	}
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until > 0 && until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	sentrygo.Flush(timeout)
}

// CaptureException reports a handled error with tags.
func CaptureException(err error, tags map[string]string) {
	if !Enabled() || err == nil {
		return
	}
	sentrygo.WithScope(func(scope *sentrygo.Scope) {
		scope.SetTags(tags)
		sentrygo.CaptureException(err)
	})
}
