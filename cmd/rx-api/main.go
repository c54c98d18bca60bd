// Package main provides the prescription API entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/api"
	"github.com/medirx/rxcore/internal/auth"
	"github.com/medirx/rxcore/internal/config"
	"github.com/medirx/rxcore/internal/domain/identity"
	"github.com/medirx/rxcore/internal/domain/prescription"
	"github.com/medirx/rxcore/internal/infrastructure/postgres"
	"github.com/medirx/rxcore/internal/observability/logging"
	"github.com/medirx/rxcore/internal/observability/metrics"
	"github.com/medirx/rxcore/internal/observability/tracing"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          api.ServiceName,
		Short:        "Prescription lifecycle API",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), userCmd())
	return root
}

// app holds what every subcommand needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
}

func bootstrap(ctx context.Context, validate func(*config.Config) error) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logger, err := logging.New(api.ServiceName, cfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	logger.Info("connected to database")
	return &app{cfg: cfg, logger: logger, pool: pool}, nil
}

func (a *app) close() {
	a.pool.Close()
	_ = a.logger.Sync()
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func serve(ctx context.Context, migrate bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, (*config.Config).ValidateAPI)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	tp, err := tracing.Init(ctx, tracing.FromConfig(api.ServiceName, a.cfg))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", zap.Error(err))
		}
	}()

	if migrate {
		n, err := postgres.NewMigrator(a.pool, postgres.Migrations, "migrations", logger).Up(ctx)
		if err != nil {
			return err
		}
		logger.Info("migrations applied", zap.Int("count", n))
	}

	m := metrics.New(nil)
	users := identity.NewService(identity.NewPGStore(a.pool), logger)
	prescriptions := prescription.NewService(prescription.NewPGStore(a.pool), users, logger,
		prescription.WithMetrics(m))

	handler := api.NewRouter(api.Deps{
		Prescriptions: prescriptions,
		Identity:      users,
		Tokens:        auth.NewTokens(a.cfg.JWTSecret, a.cfg.JWTTTL),
		Metrics:       m,
		Ready:         a.pool.Ping,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         a.cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API", zap.String("addr", a.cfg.HTTPAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := bootstrap(cmd.Context(), (*config.Config).Validate)
				if err != nil {
					return err
				}
				defer a.close()

				n, err := postgres.NewMigrator(a.pool, postgres.Migrations, "migrations", a.logger).Up(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := bootstrap(cmd.Context(), (*config.Config).Validate)
				if err != nil {
					return err
				}
				defer a.close()

				statuses, err := postgres.NewMigrator(a.pool, postgres.Migrations, "migrations", a.logger).Status(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
				for _, st := range statuses {
					at := "pending"
					if st.AppliedAt != nil {
						at = st.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%03d\t%s\t%s\n", st.Version, st.Name, at)
				}
				return tw.Flush()
			},
		},
	)
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var (
		in                   identity.CreateUserInput
		role                 string
		specialty, birthDate string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user of any role, including admin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Role = identity.Role(strings.ToLower(role))
			if !in.Role.Valid() {
				return fmt.Errorf("--role must be one of admin, doctor, patient")
			}
			if cmd.Flags().Changed("specialty") {
				in.Specialty = &specialty
			}
			if cmd.Flags().Changed("birth-date") {
				bd, err := time.Parse(time.DateOnly, birthDate)
				if err != nil {
					return fmt.Errorf("--birth-date must be YYYY-MM-DD: %w", err)
				}
				in.BirthDate = &bd
			}

			a, err := bootstrap(cmd.Context(), (*config.Config).Validate)
			if err != nil {
				return err
			}
			defer a.close()

			u, err := identity.NewService(identity.NewPGStore(a.pool), a.logger).CreateUser(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %s (%s)\n", u.Role, u.Email, u.ID)
			return nil
		},
	}
	create.Flags().StringVar(&in.Email, "email", "", "login email")
	create.Flags().StringVar(&in.Password, "password", "", "initial password")
	create.Flags().StringVar(&in.Name, "name", "", "display name")
	create.Flags().StringVar(&role, "role", "", "admin, doctor or patient")
	create.Flags().StringVar(&specialty, "specialty", "", "doctor specialty")
	create.Flags().StringVar(&birthDate, "birth-date", "", "patient birth date (YYYY-MM-DD)")
	for _, name := range []string{"email", "password", "name", "role"} {
		_ = create.MarkFlagRequired(name)
	}

	cmd.AddCommand(create)
	return cmd
}
