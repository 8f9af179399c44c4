// File: cmd/provision.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nyxra/enroller/internal/browser/session"
	"github.com/nyxra/enroller/internal/config"
	"github.com/nyxra/enroller/internal/fingerprint"
	"github.com/nyxra/enroller/internal/flow"
	"github.com/nyxra/enroller/internal/mailbox"
	"github.com/nyxra/enroller/internal/observability"
	"github.com/nyxra/enroller/internal/provision"
	"github.com/nyxra/enroller/internal/ssoexchange"
	"github.com/nyxra/enroller/internal/syncchan"
)

var (
	provisionEmails   []string
	provisionCount    int
	provisionParallel int
	provisionHeadful  bool
	provisionKeepOpen bool
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Run account provisioning for the given emails or a batch of fresh mailboxes.",
	RunE:  runProvision,
}

func init() {
	provisionCmd.Flags().StringSliceVarP(&provisionEmails, "email", "e", nil, "target email (repeatable); omit to create disposable mailboxes")
	provisionCmd.Flags().IntVarP(&provisionCount, "count", "n", 1, "number of accounts to provision when no emails are given")
	provisionCmd.Flags().IntVarP(&provisionParallel, "concurrency", "p", 0, "concurrent provisioning runs (1-10, overrides config)")
	provisionCmd.Flags().BoolVar(&provisionHeadful, "headful", false, "run the browser with a visible window")
	provisionCmd.Flags().BoolVar(&provisionKeepOpen, "keep-open", false, "leave the browser open when a run fails")
	rootCmd.AddCommand(provisionCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	if provisionParallel > 0 {
		cfg.SetEngineConcurrency(provisionParallel)
	}
	if provisionHeadful {
		cfg.SetBrowserHeadless(false)
	}
	if provisionKeepOpen {
		cfg.SetBrowserKeepOpen(true)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exchanger, err := ssoexchange.NewClient(cfg.SSOCfg, logger)
	if err != nil {
		return err
	}

	classifier := flow.NewClassifier(nil, flow.Kind(cfg.ProviderCfg.FallbackFlow), logger)

	drivers := func(ctx context.Context, fp fingerprint.Fingerprint) (provision.Driver, error) {
		return session.New(ctx, cfg.BrowserCfg, cfg.HumanoidCfg, fp, logger)
	}
	backends := newBackendFactory(&cfg, logger)

	orch := provision.New(&cfg, drivers, backends, classifier, exchanger, logger)

	sink := &stdoutSink{logger: logger}
	if cfg.SyncCfg.Enabled {
		sync := syncchan.New(cfg.SyncCfg, "", logger)
		sink.sync = sync
		go func() {
			if err := sync.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Sync channel exited.", zap.Error(err))
			}
		}()
	}

	taskTimeout := cfg.EngineCfg.TaskTimeout
	runner := func(ctx context.Context, task *provision.Task) provision.Result {
		if taskTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, taskTimeout)
			defer cancel()
		}
		return orch.Run(ctx, task)
	}

	pool := provision.NewPool(cfg.EngineCfg.Concurrency, runner, sink, logger)
	go func() {
		<-ctx.Done()
		pool.Stop()
	}()

	tasks := buildTasks()
	if len(tasks) == 0 {
		return fmt.Errorf("nothing to provision: give --email or --count")
	}
	logger.Info("Provisioning batch starting.",
		zap.Int("tasks", len(tasks)), zap.Int("concurrency", cfg.EngineCfg.Concurrency))

	start := time.Now()
	pool.Run(ctx, tasks)

	succeeded := 0
	for _, t := range tasks {
		if t.Status == provision.StatusSuccess {
			succeeded++
		}
	}
	logger.Info("Provisioning batch finished.",
		zap.Int("succeeded", succeeded),
		zap.Int("total", len(tasks)),
		zap.Duration("elapsed", time.Since(start)))
	if succeeded == 0 {
		return fmt.Errorf("no task succeeded")
	}
	return nil
}

func buildTasks() []*provision.Task {
	var tasks []*provision.Task
	if len(provisionEmails) > 0 {
		for _, email := range provisionEmails {
			tasks = append(tasks, &provision.Task{
				ID:          uuid.NewString(),
				TargetEmail: email,
				Status:      provision.StatusPending,
			})
		}
		return tasks
	}
	for i := 0; i < provisionCount; i++ {
		tasks = append(tasks, &provision.Task{
			ID:     uuid.NewString(),
			Status: provision.StatusPending,
		})
	}
	return tasks
}

// newBackendFactory selects the mailbox backend per task: Graph for a
// supplied email with a refresh token, disposable when the engine creates the
// address, nil (manual code entry) for a supplied email without Graph
// credentials.
func newBackendFactory(cfg *config.Config, logger *zap.Logger) provision.BackendFactory {
	return func(targetEmail string) (mailbox.Backend, error) {
		switch {
		case targetEmail != "" && cfg.MailCfg.Graph.RefreshToken != "":
			return mailbox.NewGraphBackend(cfg.MailCfg.Graph, targetEmail, cfg.ProviderCfg.SenderAllowList, logger), nil
		case targetEmail == "" && cfg.MailCfg.Disposable.BaseURL != "":
			return mailbox.NewDisposableBackend(cfg.MailCfg.Disposable, cfg.ProviderCfg.SenderAllowList, logger), nil
		case targetEmail != "":
			return nil, nil // manual code entry
		default:
			return nil, fmt.Errorf("no target email and no disposable mailbox service configured")
		}
	}
}

// stdoutSink hands completed results to the account-store collaborator as
// JSON lines on stdout, and feeds fresh credentials to the sync channel.
type stdoutSink struct {
	logger *zap.Logger
	sync   *syncchan.Channel
}

var sinkJSON = jsoniter.ConfigCompatibleWithStandardLibrary

func (s *stdoutSink) Consume(res provision.Result) {
	line, err := sinkJSON.Marshal(map[string]any{
		"success":       res.Success,
		"exists":        res.Exists,
		"email":         res.Email,
		"session_token": res.SessionToken,
		"display_name":  res.DisplayName,
		"access_token":  res.AccessToken,
		"refresh_token": res.RefreshToken,
		"error": func() string {
			if res.Err != nil {
				return res.Err.Error()
			}
			return ""
		}(),
	})
	if err != nil {
		s.logger.Error("Result serialization failed.", zap.Error(err))
		return
	}
	fmt.Println(string(line))

	if s.sync != nil && res.Success && res.AccessToken != "" {
		s.sync.SetCredentials(res.AccessToken)
	}
}
