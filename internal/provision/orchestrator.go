package provision

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nyxra/enroller/internal/browser/session"
	"github.com/nyxra/enroller/internal/config"
	"github.com/nyxra/enroller/internal/fingerprint"
	"github.com/nyxra/enroller/internal/flow"
	"github.com/nyxra/enroller/internal/mailbox"
	"github.com/nyxra/enroller/internal/ssoexchange"
)

// Selectors addresses the provider's form controls. Overridable per
// deployment because the provider renames controls between UI revisions.
type Selectors struct {
	EmailField    string
	NameField     string
	PasswordField string
	CodeField     string
	SubmitButton  string
}

// DefaultSelectors matches the provider's current sign-up surface.
func DefaultSelectors() Selectors {
	return Selectors{
		EmailField:    `input[type="email"], input[name="email"]`,
		NameField:     `input[name="fullname"], input[name="displayName"], input[placeholder*="name" i]`,
		PasswordField: `input[type="password"]`,
		CodeField:     `input[autocomplete="one-time-code"], input[name="verificationCode"], input[placeholder*="code" i]`,
		SubmitButton:  `button[type="submit"], form button`,
	}
}

var (
	// confirmFieldKeywords mark a password input as the confirmation copy.
	confirmFieldKeywords = []string{"confirm", "again", "repeat", "确认", "再次"}
	// dialogKeywords pick the affirmative button when several are visible.
	dialogKeywords = []string{"ok", "done", "continue", "confirm", "got it", "确定"}

	codePattern = regexp.MustCompile(`^\d{6}$`)
)

// DriverFactory launches a fresh browser session for one run.
type DriverFactory func(ctx context.Context, fp fingerprint.Fingerprint) (Driver, error)

// BackendFactory resolves the mailbox backend for a target email. A nil
// backend with a non-empty email selects the manual code-entry path.
type BackendFactory func(targetEmail string) (mailbox.Backend, error)

// Orchestrator runs the provisioning state machine for one task at a time.
// Safe for concurrent use: per-run state lives on the stack.
type Orchestrator struct {
	provider  config.ProviderConfig
	browser   config.BrowserConfig
	mail      config.MailConfig
	selectors Selectors

	drivers    DriverFactory
	backends   BackendFactory
	classifier *flow.Classifier
	exchanger  Exchanger
	fpGen      *fingerprint.Generator
	logger     *zap.Logger
}

// New assembles an orchestrator from its collaborators.
func New(cfg *config.Config, drivers DriverFactory, backends BackendFactory, classifier *flow.Classifier, exchanger Exchanger, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		provider:   cfg.ProviderCfg,
		browser:    cfg.BrowserCfg,
		mail:       cfg.MailCfg,
		selectors:  DefaultSelectors(),
		drivers:    drivers,
		backends:   backends,
		classifier: classifier,
		exchanger:  exchanger,
		fpGen:      fingerprint.NewGenerator(nil),
		logger:     logger.Named("orchestrator"),
	}
}

// SetSelectors overrides the default control selectors.
func (o *Orchestrator) SetSelectors(sel Selectors) { o.selectors = sel }

// Run drives one task from pending to a terminal status and returns the
// result for the account-store collaborator. Cleanup (mailbox deletion,
// session close) happens on every path.
func (o *Orchestrator) Run(ctx context.Context, task *Task) Result {
	log := o.logger.With(zap.String("task", task.ID))
	log.Info("Provisioning run starting.", zap.String("targetEmail", task.TargetEmail))

	res, err := o.run(ctx, task, log)
	if err != nil {
		if task.Status != StatusExists {
			task.Status = StatusFailed
		}
		task.Err = err
		log.Error("Provisioning run failed.",
			zap.String("status", string(task.Status)), zap.Error(err))
		res.Err = err
		res.Exists = task.Status == StatusExists
		res.TaskID = task.ID
		res.Email = task.TargetEmail
		return res
	}

	task.Status = StatusSuccess
	task.ResultToken = res.SessionToken
	task.ResultName = res.DisplayName
	log.Info("Provisioning run succeeded.", zap.String("email", res.Email))
	return res
}

func (o *Orchestrator) run(ctx context.Context, task *Task, log *zap.Logger) (Result, error) {
	res := Result{TaskID: task.ID}

	// start: resolve the target email and mailbox backend.
	backend, err := o.backends(task.TargetEmail)
	if err != nil {
		return res, fmt.Errorf("resolving mailbox backend: %w", err)
	}
	if backend != nil {
		if err := backend.EnsureMailbox(ctx); err != nil {
			return res, fmt.Errorf("preparing mailbox: %w", err)
		}
		task.TargetEmail = backend.Address()
		defer o.disposeMailbox(backend, log)
	}
	if task.TargetEmail == "" {
		return res, fmt.Errorf("no target email and no mailbox backend configured")
	}
	res.Email = task.TargetEmail
	log.Info("Mailbox ready.", zap.String("email", task.TargetEmail))

	// navigated: fresh fingerprint, fresh session, seeded entry URL.
	fp := o.fpGen.Generate()
	driver, err := o.drivers(ctx, fp)
	if err != nil {
		return res, fmt.Errorf("launching browser session: %w", err)
	}
	failed := true
	defer func() {
		driver.Close(failed && o.browser.KeepOpenOnFailure)
	}()

	if err := driver.ClearSessionState(ctx); err != nil {
		log.Warn("Session state clearing incomplete.", zap.Error(err))
	}

	device := ssoexchange.NewDeviceCode()
	entry, err := seedEntryURL(o.provider.EntryURL, device)
	if err != nil {
		return res, err
	}
	if err := driver.Navigate(ctx, entry); err != nil {
		return res, err
	}

	// First step: submit the email, which forks the flow.
	if err := driver.FillHumanized(ctx, o.selectors.EmailField, task.TargetEmail, session.FillOpts{Retries: 2}); err != nil {
		return res, fmt.Errorf("submitting email: %w", err)
	}
	if err := driver.ClickWithRecovery(ctx, o.selectors.SubmitButton, session.ClickOpts{Retries: 3}); err != nil {
		return res, fmt.Errorf("submitting email: %w", err)
	}
	driver.WaitForStable(ctx, "post-email")
	driver.RandomIdle(ctx)

	// classified: which branch did the provider take for this email?
	kind := o.classifier.Classify(ctx, driver, 30*time.Second)
	log.Info("Flow classified.", zap.String("kind", string(kind)))

	task.Status = StatusRegistering
	if kind.IsLogin() {
		if err := o.loginBranch(ctx, task, driver, backend, kind, log); err != nil {
			return res, err
		}
	} else {
		if err := o.registrationBranch(ctx, task, driver, backend, log); err != nil {
			return res, err
		}
	}

	// token_harvested: the session cookie appears once the provider accepts
	// the run; dismiss any confirmation dialog that covers it.
	token, err := driver.HarvestCookie(ctx, o.provider.SessionCookieName, 2*time.Minute)
	if err != nil {
		return res, fmt.Errorf("harvesting session token: %w", err)
	}
	res.SessionToken = token
	if driver.DismissDialog(ctx, dialogKeywords) {
		log.Debug("Confirmation dialog dismissed.")
	}

	// sso_exchanged: durable credentials.
	cred, err := o.exchanger.Exchange(ctx, token, o.provider.Region)
	if err != nil {
		return res, fmt.Errorf("device-authorization exchange: %w", err)
	}
	res.AccessToken = cred.AccessToken
	res.RefreshToken = cred.RefreshToken
	res.DisplayName = ssoexchange.DisplayNameFromToken(cred.AccessToken)
	if res.DisplayName == "" {
		res.DisplayName = o.provider.DefaultDisplayName
	}

	failed = false
	res.Success = true
	return res, nil
}

// registrationBranch fills the profile form, verifies the mailbox, and sets
// the password.
func (o *Orchestrator) registrationBranch(ctx context.Context, task *Task, driver Driver, backend mailbox.Backend, log *zap.Logger) error {
	name := o.provider.DefaultDisplayName
	if name == "" {
		name = "Alex Chen"
	}
	if err := driver.FillHumanized(ctx, o.selectors.NameField, name, session.FillOpts{Retries: 2}); err != nil {
		return fmt.Errorf("filling name: %w", err)
	}
	if err := driver.ClickWithRecovery(ctx, o.selectors.SubmitButton, session.ClickOpts{Retries: 3}); err != nil {
		return fmt.Errorf("submitting name: %w", err)
	}
	driver.WaitForStable(ctx, "post-name")

	if err := o.acquireAndSubmitCode(ctx, task, driver, backend, log); err != nil {
		return err
	}

	if err := o.fillPasswordPair(ctx, driver, log); err != nil {
		return err
	}
	if err := driver.ClickWithRecovery(ctx, o.selectors.SubmitButton, session.ClickOpts{Retries: 3}); err != nil {
		return fmt.Errorf("submitting password: %w", err)
	}
	driver.WaitForStable(ctx, "post-password")
	return nil
}

// loginBranch authenticates an existing account. DirectVerify skips the
// password step entirely; a password-reset sub-step after verification is
// completed when the UI demands one.
func (o *Orchestrator) loginBranch(ctx context.Context, task *Task, driver Driver, backend mailbox.Backend, kind flow.Kind, log *zap.Logger) error {
	if kind != flow.DirectVerify {
		if o.provider.DefaultPassword == "" {
			task.Status = StatusExists
			return fmt.Errorf("account already exists and no password is configured")
		}
		if driver.IsVisible(ctx, o.selectors.PasswordField, 5*time.Second) {
			if err := driver.FillHumanized(ctx, o.selectors.PasswordField, o.provider.DefaultPassword, session.FillOpts{Retries: 2}); err != nil {
				return fmt.Errorf("filling password: %w", err)
			}
			if err := driver.ClickWithRecovery(ctx, o.selectors.SubmitButton, session.ClickOpts{Retries: 3}); err != nil {
				return fmt.Errorf("submitting password: %w", err)
			}
			driver.WaitForStable(ctx, "post-login-password")
		}
	}

	if err := o.acquireAndSubmitCode(ctx, task, driver, backend, log); err != nil {
		return err
	}

	// Password-reset sub-step: new password fields after verification.
	if driver.IsVisible(ctx, o.selectors.PasswordField, 5*time.Second) {
		log.Info("Password-reset sub-step detected.")
		if err := o.fillPasswordPair(ctx, driver, log); err != nil {
			return err
		}
		if err := driver.ClickWithRecovery(ctx, o.selectors.SubmitButton, session.ClickOpts{Retries: 3}); err != nil {
			return fmt.Errorf("submitting reset password: %w", err)
		}
		driver.WaitForStable(ctx, "post-reset-password")
	}
	return nil
}

// acquireAndSubmitCode fetches the verification code from the mailbox
// backend, or waits for manual entry when no backend is configured, then
// submits it.
func (o *Orchestrator) acquireAndSubmitCode(ctx context.Context, task *Task, driver Driver, backend mailbox.Backend, log *zap.Logger) error {
	task.Status = StatusGettingCode

	maxWait := o.mail.CodeWait
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}
	pollInterval := o.mail.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	var code string
	if backend != nil {
		var err error
		code, err = backend.WaitForCode(ctx, maxWait, pollInterval)
		if err != nil {
			return fmt.Errorf("acquiring verification code: %w", err)
		}
		log.Info("Verification code acquired from mailbox.")

		if err := driver.FillHumanized(ctx, o.selectors.CodeField, code, session.FillOpts{Retries: 2}); err != nil {
			return fmt.Errorf("filling code: %w", err)
		}
	} else {
		log.Info("No mailbox backend configured, waiting for manual code entry.")
		if err := o.waitManualCode(ctx, driver, maxWait); err != nil {
			return err
		}
	}

	if err := driver.ClickWithRecovery(ctx, o.selectors.SubmitButton, session.ClickOpts{Retries: 3}); err != nil {
		return fmt.Errorf("submitting code: %w", err)
	}
	driver.WaitForStable(ctx, "post-code")
	return nil
}

// waitManualCode blocks until the code field's value matches a 6-digit code,
// bounded by the same budget the automatic path uses.
func (o *Orchestrator) waitManualCode(ctx context.Context, driver Driver, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		value, err := driver.Value(ctx, o.selectors.CodeField)
		if err == nil && codePattern.MatchString(strings.TrimSpace(value)) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no manual code entered within %s", maxWait)
		}
		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// fillPasswordPair fills the password and its confirmation copy. The first
// visible password field whose placeholder carries no confirmation keyword is
// the primary; every other visible password field is a confirmation.
func (o *Orchestrator) fillPasswordPair(ctx context.Context, driver Driver, log *zap.Logger) error {
	password := o.provider.DefaultPassword
	if password == "" {
		return fmt.Errorf("no password configured for registration")
	}

	fields, err := driver.VisibleFields(ctx, o.selectors.PasswordField)
	if err != nil {
		return fmt.Errorf("enumerating password fields: %w", err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("no visible password fields")
	}

	primaryIdx := -1
	for i, f := range fields {
		if !isConfirmField(f) {
			primaryIdx = i
			break
		}
	}
	if primaryIdx == -1 {
		primaryIdx = 0
	}

	for i, f := range fields {
		sel := o.passwordSelector(f, i)
		if err := driver.FillHumanized(ctx, sel, password, session.FillOpts{Retries: 2}); err != nil {
			return fmt.Errorf("filling password field %d: %w", i, err)
		}
	}
	log.Debug("Password pair filled.",
		zap.Int("fields", len(fields)), zap.Int("primary", primaryIdx))
	return nil
}

// passwordSelector addresses one password field as precisely as its
// attributes allow.
func (o *Orchestrator) passwordSelector(f session.Element, index int) string {
	if f.Name != "" {
		return fmt.Sprintf(`input[type="password"][name=%q]`, f.Name)
	}
	if f.Placeholder != "" {
		return fmt.Sprintf(`input[type="password"][placeholder=%q]`, f.Placeholder)
	}
	return fmt.Sprintf(`input[type="password"]:nth-of-type(%d)`, index+1)
}

func isConfirmField(f session.Element) bool {
	haystack := strings.ToLower(f.Placeholder + " " + f.Name)
	for _, kw := range confirmFieldKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// disposeMailbox deletes the temporary mailbox. Best-effort, logged, never
// fatal; backends make repeated calls no-ops.
func (o *Orchestrator) disposeMailbox(backend mailbox.Backend, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := backend.Dispose(ctx); err != nil {
		log.Warn("Mailbox disposal failed.", zap.Error(err))
	}
}

// seedEntryURL appends the freshly generated device/user code to the
// provider's device-authorization entry point.
func seedEntryURL(entry string, device ssoexchange.DeviceCode) (string, error) {
	u, err := url.Parse(entry)
	if err != nil {
		return "", fmt.Errorf("invalid entry URL %q: %w", entry, err)
	}
	q := u.Query()
	q.Set("device_id", device.DeviceID)
	q.Set("user_code", device.UserCode)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
