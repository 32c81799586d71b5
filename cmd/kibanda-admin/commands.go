package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/config"
	"github.com/Moonlitwhisper254/datakibanda/database"
	"github.com/Moonlitwhisper254/datakibanda/gateway"
	"github.com/Moonlitwhisper254/datakibanda/models"
	"github.com/Moonlitwhisper254/datakibanda/payment"
	"github.com/Moonlitwhisper254/datakibanda/poller"
	"github.com/Moonlitwhisper254/datakibanda/report"
	"github.com/Moonlitwhisper254/datakibanda/store"
	"github.com/Moonlitwhisper254/datakibanda/webhook"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// env holds what every database-backed command needs.
type env struct {
	cfg    *config.Config
	db     *sql.DB
	logger *zap.Logger
}

func open(configPath string) (*env, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	db, err := database.InitDB(cfg.DB, logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, db: db, logger: logger}, nil
}

func (e *env) Close() {
	e.db.Close()
	_ = e.logger.Sync()
}

func webhooksCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Manage webhook subscriptions",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Register a webhook subscription and print its secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			events, _ := cmd.Flags().GetStringSlice("events")
			description, _ := cmd.Flags().GetString("description")

			e, err := open(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			registry := webhook.NewRegistry(store.NewWebhookStore(e.db), e.logger)
			sub, secret, err := registry.Register(cmd.Context(), url, events, description, "kibanda-admin")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Subscription: %s\n", sub.ID)
			fmt.Fprintf(out, "Events:       %s\n", strings.Join(sub.Events, ", "))
			fmt.Fprintf(out, "Secret:       %s\n", secret)
			fmt.Fprintln(out, "Store the secret now; it cannot be shown again.")
			return nil
		},
	}
	add.Flags().String("url", "", "Subscriber endpoint URL")
	add.Flags().StringSlice("events", []string{models.EventPaymentCompleted}, "Events to subscribe to")
	add.Flags().String("description", "", "Free-form description")
	_ = add.MarkFlagRequired("url")

	list := &cobra.Command{
		Use:   "list",
		Short: "List webhook subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			subs, err := store.NewWebhookStore(e.db).List(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tURL\tEVENTS\tACTIVE\tCREATED")
			for _, s := range subs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", s.ID, s.URL, strings.Join(s.Events, ","), s.Active, s.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func expireStaleCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "expire-stale",
		Short: "Resolve pending transactions older than the pending timeout once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			transactions := store.NewTransactionStore(e.db)
			notifier := webhook.NewNotifier(store.NewWebhookStore(e.db), e.cfg.Webhook.Timeout, e.logger)
			reconciler := payment.NewReconciler(transactions, store.NewAuditStore(e.db), notifier, nil, e.logger)
			// Deliver before the process exits.
			reconciler.Dispatch = func(f func()) { f() }

			gw := gateway.NewClient(gateway.ConfigFrom(e.cfg.Mpesa), e.logger)
			worker := payment.NewExpiryWorker(transactions, gw, reconciler, payment.ExpiryConfig{
				PendingTimeout: e.cfg.Payments.PendingTimeout,
				MaxPendingAge:  e.cfg.Payments.MaxPendingAge,
				BatchSize:      e.cfg.Payments.ExpiryBatch,
				Workers:        e.cfg.Payments.ExpiryWorkers,
			}, e.logger)

			n, err := worker.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %d stale transaction(s)\n", n)
			return nil
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [reference]",
		Short: "Show the state of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := payment.NewStatusService(store.NewTransactionStore(e.db)).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !res.Found {
				return fmt.Errorf("%s: %s", args[0], res.Message)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", res.Reference, res.State, res.Message)
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [reference]",
		Short: "Poll a running server until a transaction settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("base-url")
			token, _ := cmd.Flags().GetString("token")
			interval, _ := cmd.Flags().GetDuration("interval")
			attempts, _ := cmd.Flags().GetInt("attempts")

			out := cmd.OutOrStdout()
			checker := &poller.HTTPChecker{BaseURL: baseURL, Token: token}
			outcome, err := poller.Poll(cmd.Context(), checker, args[0], poller.Options{
				Interval:    interval,
				MaxAttempts: attempts,
				OnAttempt: func(attempt int, state models.TransactionStatus, err error) {
					if err != nil {
						fmt.Fprintf(out, "[%d] error: %v\n", attempt, err)
						return
					}
					fmt.Fprintf(out, "[%d] %s\n", attempt, state)
				},
			})
			if err != nil {
				return err
			}
			if !outcome.Settled {
				fmt.Fprintln(out, "Still pending. The result will arrive by notification.")
				return nil
			}
			fmt.Fprintf(out, "Settled: %s after %d check(s)\n", outcome.State, outcome.Attempts)
			return nil
		},
	}
	cmd.Flags().String("base-url", "http://localhost:8083", "Server base URL")
	cmd.Flags().String("token", "", "Session token")
	cmd.Flags().Duration("interval", poller.DefaultInterval, "Time between checks")
	cmd.Flags().Int("attempts", poller.DefaultMaxAttempts, "Maximum number of checks")
	return cmd
}

func reportCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export transactions to CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			outPath, _ := cmd.Flags().GetString("out")
			since, _ := cmd.Flags().GetDuration("since")

			e, err := open(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			txs, err := store.NewTransactionStore(e.db).ListSince(cmd.Context(), time.Now().Add(-since))
			if err != nil {
				return err
			}

			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outPath, err)
			}
			defer f.Close()

			if err := report.WriteCSV(f, txs); err != nil {
				return err
			}

			summary := report.Summarize(txs)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %d transaction(s) to %s\n", len(txs), outPath)
			for _, status := range []models.TransactionStatus{models.TransactionStatusCompleted, models.TransactionStatusPending, models.TransactionStatusFailed} {
				fmt.Fprintf(out, "  %-10s %4d  KES %s\n", status, summary.Count[status], summary.Total[status].StringFixed(2))
			}
			return nil
		},
	}
	cmd.Flags().String("out", "transactions.csv", "Output file")
	cmd.Flags().Duration("since", 24*time.Hour, "How far back to export")
	return cmd
}
