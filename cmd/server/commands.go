package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/warp/disposal-engine/api"
	"github.com/warp/disposal-engine/assignment"
	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/internal/logging"
	"github.com/warp/disposal-engine/store/sqlite"
	"github.com/warp/disposal-engine/strategy"
)

const shutdownTimeout = 30 * time.Second

// =============================================================================
// WIRING
// =============================================================================

func (a *app) openStore() (*sqlite.Store, error) {
	store, err := sqlite.New(a.cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func (a *app) newService(store engine.Store) (*assignment.Service, error) {
	weights, err := strategy.LoadWeights(a.cfg.Strategy.WeightsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy weights: %w", err)
	}
	registry, err := strategy.NewRegistry(weights)
	if err != nil {
		return nil, err
	}
	selector := strategy.NewSelector(registry, a.cfg.SelectorConfig(), logging.New("strategy"))

	svc := assignment.NewService(store, selector, logging.New("assignment"))
	svc.Parallelism = a.cfg.Batch.Parallelism
	return svc, nil
}

// cliActor attributes CLI operations in the flow log.
func cliActor(cmd *cobra.Command) engine.Actor {
	id, _ := cmd.Flags().GetString("actor")
	if id == "" {
		id = "cli"
	}
	return engine.Actor{ID: id, Name: id}
}

// =============================================================================
// SERVE
// =============================================================================

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP server port")
	cmd.Flags().Bool("scheduler", false, "run the periodic assignment sweep")
	_ = a.v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = a.v.BindPFlag("scheduler.enabled", cmd.Flags().Lookup("scheduler"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	logger := logging.New("server")

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	svc, err := a.newService(store)
	if err != nil {
		return err
	}
	handler := api.NewHandler(store, svc, logging.New("api"))
	router := api.NewRouter(handler, a.cfg.Server.AllowedOrigins)

	scheduler := api.NewAssignmentScheduler(svc, logging.New("scheduler"))
	scheduler.Enabled = a.cfg.Scheduler.Enabled
	scheduler.Interval = a.cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         a.cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "database", a.cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// =============================================================================
// MIGRATE
// =============================================================================

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.SchemaVersion()
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t) at %s\n", version, dirty, a.cfg.Database.Path)
			return nil
		},
	}
}

// =============================================================================
// RECOMMEND
// =============================================================================

func (a *app) recommendCmd() *cobra.Command {
	var (
		limit        int
		strategyName string
	)
	cmd := &cobra.Command{
		Use:   "recommend <package-id>",
		Short: "Rank disposal organizations for a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := a.newService(store)
			if err != nil {
				return err
			}
			rec, err := svc.Recommend(cmd.Context(), engine.PackageID(args[0]), limit, strategyName)
			if err != nil {
				return err
			}
			return printRecommendation(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", assignment.DefaultRecommendationLimit, "maximum candidates to show")
	cmd.Flags().StringVar(&strategyName, "strategy", "", "strategy name (default: inferred)")
	return cmd
}

func printRecommendation(w io.Writer, rec assignment.Recommendation) error {
	fmt.Fprintf(w, "Package %s, strategy %s (%s)\n", rec.PackageID, rec.Strategy, rec.Reason)
	if rec.Fallback {
		fmt.Fprintln(w, "requested strategy unknown, fell back to default")
	}
	if len(rec.Candidates) == 0 {
		fmt.Fprintln(w, "no eligible organizations")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tORGANIZATION\tSCORE\tRECOMMENDATION\tSTRENGTHS")
	for _, c := range rec.Candidates {
		fmt.Fprintf(tw, "%d\t%s (%s)\t%.4f\t%s\t%s\n",
			c.Rank, c.OrganizationName, c.OrganizationID, c.Score, c.Recommendation, strings.Join(c.Strengths, ", "))
	}
	return tw.Flush()
}

// =============================================================================
// BATCH ASSIGN
// =============================================================================

func (a *app) batchAssignCmd() *cobra.Command {
	var strategyName string
	cmd := &cobra.Command{
		Use:   "batch-assign [package-id...]",
		Short: "Assign packages; with no ids, every PUBLISHED package",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := a.newService(store)
			if err != nil {
				return err
			}

			ids := make([]engine.PackageID, len(args))
			for i, arg := range args {
				ids[i] = engine.PackageID(arg)
			}
			if len(ids) == 0 {
				pkgs, err := store.ListPackages(ctx, engine.PackageFilter{Statuses: []engine.Status{engine.StatusPublished}})
				if err != nil {
					return err
				}
				for _, p := range pkgs {
					ids = append(ids, p.ID)
				}
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to assign")
				return nil
			}

			bar := progressbar.NewOptions(len(ids),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionShowCount(),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("Assigning packages..."),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprintln(cmd.ErrOrStderr())
				}),
			)
			batch, err := svc.BatchAssignFunc(ctx, ids, strategyName, cliActor(cmd), func(engine.AssignmentResult) {
				_ = bar.Add(1)
			})
			if err != nil {
				return err
			}
			return printBatch(cmd.OutOrStdout(), batch)
		},
	}
	cmd.Flags().StringVar(&strategyName, "strategy", "", "strategy override for every package")
	cmd.Flags().String("actor", "cli", "actor id recorded in the flow log")
	return cmd
}

func printBatch(w io.Writer, batch engine.BatchResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PACKAGE\tRESULT\tORGANIZATION\tSCORE\tREASON")
	for _, r := range batch.Results {
		result := "assigned"
		if !r.Success {
			result = string(r.Failure)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%s\n", r.PackageID, result, r.OrganizationID, r.Score, r.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, batch.Summary)
	return err
}

// =============================================================================
// LOAD SCENARIO
// =============================================================================

func (a *app) loadScenarioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load-scenario <scenario-id>",
		Short: "Reset the database and load a demo scenario",
		Long:  "Reset the database and load a demo scenario.\n\nAvailable scenarios:\n" + scenarioList(),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := a.newService(store)
			if err != nil {
				return err
			}
			handler := api.NewHandler(store, svc, logging.New("api"))
			if err := handler.LoadScenarioByID(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scenario %s loaded into %s\n", args[0], a.cfg.Database.Path)
			return nil
		},
	}
}

func scenarioList() string {
	var b strings.Builder
	for _, s := range api.Scenarios() {
		fmt.Fprintf(&b, "  %-18s %s\n", s.ID, s.Description)
	}
	return b.String()
}
