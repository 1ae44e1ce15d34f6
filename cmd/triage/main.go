// Command triage runs the mailbox triage service: polling, classifying
// and routing inbound mail, plus one-shot report and migration commands.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/brightsure/mail-triage/internal/autoresponder"
	"github.com/brightsure/mail-triage/internal/azblob"
	"github.com/brightsure/mail-triage/internal/batch"
	"github.com/brightsure/mail-triage/internal/classifier"
	"github.com/brightsure/mail-triage/internal/config"
	"github.com/brightsure/mail-triage/internal/engine"
	"github.com/brightsure/mail-triage/internal/graph"
	"github.com/brightsure/mail-triage/internal/logstore"
	"github.com/brightsure/mail-triage/internal/loopguard"
	"github.com/brightsure/mail-triage/internal/ops"
	"github.com/brightsure/mail-triage/internal/pkg/distlock"
	"github.com/brightsure/mail-triage/internal/pkg/logger"
	"github.com/brightsure/mail-triage/internal/report"
	"github.com/brightsure/mail-triage/internal/router"
	"github.com/brightsure/mail-triage/internal/template"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "triage",
		Short:         "Autonomous email triage for the consolidation mailbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(startCmd(), reportCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		logger.Critical("fatal", "error", err.Error())
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*sql.DB, *logstore.Store, error) {
	// The pool must cover one connection per in-flight message plus the
	// ops health check.
	db, err := logstore.Open(cfg.Database.DSN(), cfg.Poll.GroupSize*2)
	if err != nil {
		return nil, nil, err
	}
	return db, logstore.NewStore(db), nil
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the polling service until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Info("starting triage service", "env", cfg.Env, "accounts", len(cfg.Mail.Accounts))

			db, store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := store.Migrate(ctx); err != nil {
				return err
			}

			gateway := graph.NewClient(cfg.Mail)
			cls := newClassifier(ctx, cfg, store)
			rt := router.New(cfg.RoutingTable(), cfg.Mail.DefaultAccount, cfg.Routing.PolicyServices)
			responder, err := newResponder(cfg, gateway)
			if err != nil {
				return err
			}
			eng := engine.New(gateway, cls, rt, responder, store)

			var opts []batch.Option
			if lease := newLease(cfg, db); lease != nil {
				opts = append(opts, batch.WithLease(lease))
				defer lease.Release(context.Background())
			}
			loop := batch.New(gateway, eng, cfg.Mail.Accounts,
				cfg.Poll.Interval(), cfg.Poll.GroupSize, cfg.Poll.RetrySweepLoops, opts...)

			opsServer := ops.New(cfg.Ops.Port, cfg.Env, db, loop)
			errCh := make(chan error, 2)
			go func() { errCh <- opsServer.Start(ctx) }()
			go runReportSchedule(ctx, cfg, store, gateway)

			go func() { errCh <- loop.Run(ctx) }()

			// First error (or the clean nil on shutdown) wins.
			if err := <-errCh; err != nil {
				return err
			}
			logger.Info("triage service stopped")
			return nil
		},
	}
}

func reportCmd() *cobra.Command {
	var dateFlag, csvPath string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate and send the daily report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			day := time.Now().UTC().AddDate(0, 0, -1)
			if dateFlag != "" {
				day, err = time.Parse("2006-01-02", dateFlag)
				if err != nil {
					return fmt.Errorf("invalid --date %q (want YYYY-MM-DD)", dateFlag)
				}
			}

			gateway := graph.NewClient(cfg.Mail)
			ctx := cmd.Context()
			if err := gateway.RefreshToken(ctx); err != nil {
				return err
			}
			r := report.New(store, gateway, cfg.Mail.DefaultAccount, cfg.Report.Recipients, cfg.Report.TestPrefix)

			if csvPath != "" {
				rep, err := r.Generate(ctx, day)
				if err != nil {
					return err
				}
				f, err := os.Create(csvPath)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := rep.WriteCSV(f); err != nil {
					return err
				}
				logger.Info("report csv written", "path", csvPath)
			}
			return r.Send(ctx, day)
		},
	}
	cmd.Flags().StringVar(&dateFlag, "date", "", "report day as YYYY-MM-DD (default: yesterday)")
	cmd.Flags().StringVar(&csvPath, "csv", "", "also write the per-category CSV to this path")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply audit database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return store.Migrate(cmd.Context())
		},
	}
}

// newClassifier builds the classifier, preferring pricing from the
// model_costs table over the config defaults.
func newClassifier(ctx context.Context, cfg *config.Config, store *logstore.Store) *classifier.Classifier {
	cls := classifier.New(cfg.LLM)

	costs, err := store.ModelCosts(ctx)
	if err != nil {
		logger.Warn("model costs unavailable, using configured rates", "error", err.Error())
		return cls
	}
	rates := classifier.Rates{
		PrimaryPrompt:     cfg.LLM.PrimaryPromptRate,
		PrimaryCompletion: cfg.LLM.PrimaryCompletionRate,
		PrimaryCached:     cfg.LLM.PrimaryCachedRate,
		CheapPrompt:       cfg.LLM.CheapPromptRate,
		CheapCompletion:   cfg.LLM.CheapCompletionRate,
		CheapCached:       cfg.LLM.CheapCachedRate,
	}
	if mc, ok := costs[cfg.LLM.PrimaryModel]; ok {
		rates.PrimaryPrompt, rates.PrimaryCompletion, rates.PrimaryCached = mc.PromptCost, mc.CompletionCost, mc.CacheCost
	}
	if mc, ok := costs[cfg.LLM.CheapModel]; ok {
		rates.CheapPrompt, rates.CheapCompletion, rates.CheapCached = mc.PromptCost, mc.CompletionCost, mc.CacheCost
	}
	cls.SetRates(rates)
	return cls
}

func newResponder(cfg *config.Config, gateway *graph.Client) (*autoresponder.Autoresponder, error) {
	blob, err := azblob.NewClient(cfg.Blob.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("template store: %w", err)
	}
	templates := template.NewStore(blob, cfg.Blob.Container, cfg.Blob.PublicURL,
		cfg.FolderMapping(), cfg.SubjectMap, cfg.Autoresponse.DefaultSubject)
	guard := loopguard.Guard{
		Accounts:        cfg.Autoresponse.Accounts,
		CorporateDomain: cfg.Autoresponse.CorporateDomain,
	}
	// Acknowledgments go out as the dedicated autoresponse identity when
	// one is configured; otherwise as the polled account itself.
	sendAs := cfg.Mail.DefaultAccount
	if len(cfg.Autoresponse.Accounts) > 0 {
		sendAs = cfg.Autoresponse.Accounts[0]
	}
	return autoresponder.New(guard, templates, gateway, sendAs), nil
}

// newLease returns the poller lease, or nil when neither backend is
// configured for multi-replica use.
func newLease(cfg *config.Config, db *sql.DB) distlock.DistLock {
	ttl := 2 * cfg.Poll.Interval()
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return distlock.NewLock(rc, db, "mail-triage:poller", ttl)
	}
	return distlock.NewLock(nil, db, "mail-triage:poller", ttl)
}

// runReportSchedule sends yesterday's report once a day at the
// configured hour (UTC).
func runReportSchedule(ctx context.Context, cfg *config.Config, store *logstore.Store, gateway *graph.Client) {
	if len(cfg.Report.Recipients) == 0 {
		logger.Info("no report recipients configured, report schedule disabled")
		return
	}
	r := report.New(store, gateway, cfg.Mail.DefaultAccount, cfg.Report.Recipients, cfg.Report.TestPrefix)

	for {
		next := nextRunAt(time.Now().UTC(), cfg.Report.SendHour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		day := time.Now().UTC().AddDate(0, 0, -1)
		if err := r.Send(ctx, day); err != nil {
			logger.Error("scheduled report failed", "day", day.Format("2006-01-02"), "error", err.Error())
		}
	}
}

func nextRunAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
