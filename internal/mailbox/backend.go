// Package mailbox acquires verification codes from a mail account. Two
// backends implement the same contract: a Microsoft Graph poller for a
// pre-existing mailbox driven by a long-lived refresh token, and a
// disposable-mailbox client that creates and discards temporary addresses.
// Exactly one backend is consulted per provisioning run.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Backend is the shared mailbox contract consumed by the provisioning
// orchestrator.
type Backend interface {
	// Address returns the mailbox address once EnsureMailbox has succeeded.
	Address() string
	// EnsureMailbox makes the mailbox usable. For pre-existing mailboxes it
	// is a no-op; the disposable backend creates the address here.
	EnsureMailbox(ctx context.Context) error
	// WaitForCode polls the mailbox until a verification code arrives or the
	// wait budget is exhausted.
	WaitForCode(ctx context.Context, maxWait, pollInterval time.Duration) (string, error)
	// Dispose releases the mailbox. Best-effort; failures are logged by the
	// caller, never fatal.
	Dispose(ctx context.Context) error
}

var (
	// ErrCodeTimeout is returned when the wait budget expires with no code.
	ErrCodeTimeout = errors.New("mailbox: timed out waiting for verification code")
	// ErrTokenRefresh marks a refresh-token exchange failure across all token
	// endpoints. This class is fatal for the attempt cycle and is never
	// retried by the poll loop.
	ErrTokenRefresh = errors.New("mailbox: refresh token exchange failed")
)

// Message is a provider-neutral view of one mail.
type Message struct {
	UID      string
	From     string
	Subject  string
	HTMLBody string
	TextBody string
}

// senderAllowed reports whether the sender address matches the allow-list.
// Matching is a case-insensitive substring test so both full addresses and
// bare domains can be listed.
func senderAllowed(from string, allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}
	from = strings.ToLower(from)
	for _, allowed := range allowList {
		if strings.Contains(from, strings.ToLower(allowed)) {
			return true
		}
	}
	return false
}

// pollForCode drives the shared poll loop. fetch performs one mailbox sweep
// and returns the code if present. Transient fetch errors sleep one poll
// interval and retry, bounded only by the overall wait budget; an
// ErrTokenRefresh class error aborts immediately.
func pollForCode(
	ctx context.Context,
	logger *zap.Logger,
	maxWait, pollInterval time.Duration,
	fetch func(ctx context.Context) (string, bool, error),
) (string, error) {
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	deadline := time.Now().Add(maxWait)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(pollInterval), 1)

	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", ErrCodeTimeout
		}

		code, found, err := fetch(waitCtx)
		if err != nil {
			if errors.Is(err, ErrTokenRefresh) {
				return "", err
			}
			if waitCtx.Err() != nil {
				break
			}
			// Transient fetch error; the limiter enforces the retry pause.
			logger.Debug("Mailbox sweep failed, retrying.",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if found {
			logger.Info("Verification code acquired.", zap.Int("attempt", attempt))
			return code, nil
		}
		if time.Now().After(deadline) {
			break
		}
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", fmt.Errorf("%w (budget %s)", ErrCodeTimeout, maxWait)
}
