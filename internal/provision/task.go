// Package provision sequences a full account-provisioning run: navigate the
// provider's sign-up surface, classify the flow, acquire and submit the
// verification code, harvest the session token, and exchange it for durable
// credentials. A bounded pool runs many such runs concurrently.
package provision

import (
	"context"
	"time"

	"github.com/nyxra/enroller/internal/browser/session"
	"github.com/nyxra/enroller/internal/ssoexchange"
)

// Status is the lifecycle state of one provisioning task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRegistering Status = "registering"
	StatusGettingCode Status = "getting_code"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusExists      Status = "exists"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusExists
}

// Task is one unit of provisioning work. Created by the caller, mutated only
// by the orchestrator, never persisted by the engine.
type Task struct {
	ID          string
	TargetEmail string
	Status      Status
	ResultToken string
	ResultName  string
	Err         error
}

// Result is what the account-store collaborator consumes per completed task.
type Result struct {
	TaskID       string
	Success      bool
	Exists       bool
	Email        string
	SessionToken string
	DisplayName  string
	AccessToken  string
	RefreshToken string
	Err          error
}

// AccountSink receives one Result per completed task. The engine never writes
// account records itself.
type AccountSink interface {
	Consume(Result)
}

// Driver is the browser capability surface the orchestrator drives.
// Implemented by session.Session; scripted fakes stand in for it in tests.
type Driver interface {
	ClearSessionState(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	WaitForStable(ctx context.Context, description string)
	IsVisible(ctx context.Context, selector string, within time.Duration) bool
	FillHumanized(ctx context.Context, selector, value string, opts session.FillOpts) error
	ClickWithRecovery(ctx context.Context, selector string, opts session.ClickOpts) error
	VisibleFields(ctx context.Context, selector string) ([]session.Element, error)
	Value(ctx context.Context, selector string) (string, error)
	HarvestCookie(ctx context.Context, name string, timeout time.Duration) (string, error)
	DismissDialog(ctx context.Context, keywords []string) bool
	RandomIdle(ctx context.Context)
	Close(keepOpen bool)
}

// Exchanger is the device-authorization exchange collaborator.
type Exchanger interface {
	Exchange(ctx context.Context, sessionToken, region string) (*ssoexchange.Credential, error)
}
