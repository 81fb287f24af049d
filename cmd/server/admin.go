package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/matt-riley/blockvis/internal/config"
	"github.com/matt-riley/blockvis/internal/repository"
)

// adminStore is the slice of the repository the management commands use.
type adminStore interface {
	CreateProject(ctx context.Context, name, description string) (repository.Project, error)
	ListProjects(ctx context.Context) ([]repository.Project, error)
	GetProject(ctx context.Context, id string) (repository.Project, error)
	CreateAPIKey(ctx context.Context, projectID, name string) (keyID, secret string, err error)
	ListAPIKeys(ctx context.Context, projectID string) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, projectID, keyID string) error
	ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]repository.AuditLogEntry, error)
}

// storeOpener returns a store and a func that releases it.
type storeOpener func(ctx context.Context) (adminStore, func(), error)

func openAdminStore(ctx context.Context) (adminStore, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return repository.NewPostgresRepository(pool), pool.Close, nil
}

// withStore opens the store for the duration of fn.
func withStore(cmd *cobra.Command, open storeOpener, fn func(store adminStore) error) error {
	store, closeStore, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(store)
}

func newProjectsCmd(open storeOpener) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage projects",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	var description string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(store adminStore) error {
				project, err := store.CreateProject(cmd.Context(), args[0], description)
				if err != nil {
					return err
				}
				return printProject(cmd.OutOrStdout(), asJSON, project)
			})
		},
	}
	create.Flags().StringVar(&description, "description", "", "project description")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, open, func(store adminStore) error {
				projects, err := store.ListProjects(cmd.Context())
				if err != nil {
					return err
				}
				return printProjects(cmd.OutOrStdout(), asJSON, projects)
			})
		},
	}

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(store adminStore) error {
				project, err := lookupProject(cmd.Context(), store, args[0])
				if err != nil {
					return err
				}
				return printProject(cmd.OutOrStdout(), asJSON, project)
			})
		},
	}

	cmd.AddCommand(create, list, get)
	return cmd
}

func newKeysCmd(open storeOpener) *cobra.Command {
	var (
		asJSON    bool
		projectID string
	)

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage render API keys for a project",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.PersistentFlags().StringVar(&projectID, "project", "", "project ID")
	_ = cmd.MarkPersistentFlagRequired("project")

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, open, func(store adminStore) error {
				if _, err := lookupProject(cmd.Context(), store, projectID); err != nil {
					return err
				}
				keyID, secret, err := store.CreateAPIKey(cmd.Context(), projectID, name)
				if err != nil {
					return err
				}
				token := keyID + "." + secret
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]string{
						"id":         keyID,
						"project_id": projectID,
						"token":      token,
					})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "key %s created\ntoken: %s\n", keyID, token)
				return err
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, open, func(store adminStore) error {
				keys, err := store.ListAPIKeys(cmd.Context(), projectID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), keys)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tCREATED")
				for _, k := range keys {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", k.ID, k.Name, k.CreatedAt.UTC().Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke KEY_ID",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(store adminStore) error {
				if err := store.RevokeAPIKey(cmd.Context(), projectID, args[0]); err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						return fmt.Errorf("api key %q not found in project %q", args[0], projectID)
					}
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "key %s revoked\n", args[0])
				return err
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func newAuditCmd(open storeOpener) *cobra.Command {
	var (
		asJSON    bool
		projectID string
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit log for a project, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			if offset < 0 {
				return fmt.Errorf("--offset must not be negative, got %d", offset)
			}
			return withStore(cmd, open, func(store adminStore) error {
				entries, err := store.ListAuditLog(cmd.Context(), projectID, limit, offset)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTIME\tACTION\tBLOCK\tKEY")
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
						e.ID, e.CreatedAt.UTC().Format(time.RFC3339), e.Action, dash(e.BlockKey), dash(e.APIKeyID))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().StringVar(&projectID, "project", "", "project ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func lookupProject(ctx context.Context, store adminStore, id string) (repository.Project, error) {
	project, err := store.GetProject(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.Project{}, fmt.Errorf("project %q not found", id)
	}
	return project, err
}

func printProject(w io.Writer, asJSON bool, project repository.Project) error {
	if asJSON {
		return writeJSON(w, project)
	}
	return printProjects(w, false, []repository.Project{project})
}

func printProjects(w io.Writer, asJSON bool, projects []repository.Project) error {
	if asJSON {
		if projects == nil {
			projects = []repository.Project{}
		}
		return writeJSON(w, projects)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION\tCREATED")
	for _, p := range projects {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Name, dash(p.Description), p.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
