package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meddocs/meddocs/internal/config"
	"github.com/meddocs/meddocs/internal/domain/identity"
	"github.com/meddocs/meddocs/internal/domain/tenancy"
	"github.com/meddocs/meddocs/internal/platform/db"
	"github.com/meddocs/meddocs/internal/platform/logging"
	"github.com/meddocs/meddocs/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "meddocs-server",
		Short:        "Multi-tenant medical document API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(jobsCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openMigrator connects to the configured database; the returned func
// closes the pool.
func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logging.New(logging.Options{Level: cfg.LogLevel, Pretty: cfg.IsDev()}, os.Stderr)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")

			ctx := cmd.Context()
			migrator, closeDB, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, target)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies all)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closeDB, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func orgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an organization owned by an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			ownerEmail, _ := cmd.Flags().GetString("owner-email")
			typ, _ := cmd.Flags().GetString("type")
			if name == "" || ownerEmail == "" {
				return fmt.Errorf("--name and --owner-email are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			owner, err := identity.NewUserRepo(pool).GetByEmail(ctx, identity.NormalizeEmail(ownerEmail))
			if errors.Is(err, identity.ErrUserNotFound) {
				return fmt.Errorf("no user with email %q; sign up first", ownerEmail)
			}
			if err != nil {
				return err
			}

			orgs := tenancy.NewOrganizationRepo(pool)
			memberships := tenancy.NewMembershipRepo(pool)
			users := tenancy.NewUserMetadataRepo(pool)
			roles := tenancy.NewRoleCatalog(tenancy.NewRoleRepo(pool))
			svc := tenancy.NewService(db.NewTxManager(pool), orgs, memberships, users, roles,
				tenancy.NewResolver(memberships, users, nil))

			org, err := svc.CreateWithOwner(ctx, owner.ID, name, tenancy.OrganizationType(typ))
			if err != nil {
				return err
			}
			fmt.Printf("Created organization %s (%s) owned by %s\n", org.Name, org.ID, owner.Email)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Organization name")
	createCmd.Flags().String("owner-email", "", "Email of the user who becomes owner")
	createCmd.Flags().String("type", string(tenancy.DirectClient), "Organization type (direct_client or service_provider)")

	cmd.AddCommand(createCmd)
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and run background jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:       "run [job]",
		Short:     "Run a background job once and exit",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobRefreshProcessing, jobPurgeInvitations},
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			if err := app.scheduler.Trigger(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Job %s completed.\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Printf("%-24s %s\n", "JOB", "SCHEDULE")
			fmt.Printf("%-24s %s\n", jobRefreshProcessing, cfg.RefreshSchedule)
			fmt.Printf("%-24s %s\n", jobPurgeInvitations, cfg.PurgeSchedule)
			return nil
		},
	})

	return cmd
}
