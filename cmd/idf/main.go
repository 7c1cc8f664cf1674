package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ideaforge/internal/app"
	"ideaforge/internal/config"
	"ideaforge/internal/db"
	"ideaforge/internal/repo"
	"ideaforge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "idf",
	Short: "IdeaForge CLI",
	Long: `IdeaForge turns raw game ideas into finished concept cards.
Projects move through a staged path (idea, ikigai, sparks, remix,
finalize, gameloop, card); each stage has required steps, saves are
versioned so two open tabs cannot silently clobber each other, and
premium actions like video export are paid for with credits.
Everything lives in a local .ideaforge workspace; a remote backup is
synced in the background when configured.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("IDEAFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("email", "local@ideaforge.dev", "acting user email")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("email", rootCmd.PersistentFlags().Lookup("email"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(creditsCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(genresCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectArchiveCmd(true))
	prj.AddCommand(projectArchiveCmd(false))
	return prj
}

func projectListCmd() *cobra.Command {
	var includeArchived bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				items, err := a.Engine.ListProjects(ctx, repo.ProjectFilters{
					UserID:          userID,
					IncludeArchived: includeArchived,
					Limit:           limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Version", "Archived", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Stage, p.Version, p.Archived, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeArchived, "all", false, "include archived projects")
	cmd.Flags().IntVar(&limit, "limit", 50, "max projects to list")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				p, err := a.Engine.CreateProject(ctx, userID, title)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "working title")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				p, err := a.Engine.GetProject(ctx, args[0], userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectArchiveCmd(archive bool) *cobra.Command {
	use, short := "archive <project-id>", "Archive project"
	if !archive {
		use, short = "restore <project-id>", "Restore archived project"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				p, err := a.Engine.SetArchived(ctx, args[0], userID, archive)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func stepCmd() *cobra.Command {
	step := &cobra.Command{Use: "path", Short: "Move a project along its path"}

	complete := &cobra.Command{
		Use:   "done <project-id> <step>",
		Short: "Mark a required step complete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				p, err := a.Engine.CompleteStep(ctx, args[0], userID, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}

	advance := &cobra.Command{
		Use:   "advance <project-id>",
		Short: "Advance to the next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				p, err := a.Engine.AdvanceStage(ctx, args[0], userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}

	goTo := &cobra.Command{
		Use:   "goto <project-id> <stage>",
		Short: "Jump to a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				p, err := a.Engine.GoToStage(ctx, args[0], userID, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}

	step.AddCommand(complete, advance, goTo)
	return step
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <project-id>",
		Short: "Run the validation pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				res, err := a.Engine.RunValidation(ctx, args[0], userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Verdict", "Severity", "Message"})
				for _, f := range res.Findings {
					tw.AppendRow(table.Row{f.Agent, f.Verdict, f.Severity, f.Message})
				}
				tw.Render()
				fmt.Println("overall:", res.Overall)
				return nil
			})
		},
	}
}

func creditsCmd() *cobra.Command {
	credits := &cobra.Command{Use: "credits", Short: "Credit balance and grants"}

	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show balance and unlocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				bal, unlocks, err := a.Engine.Ledger.Balance(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"balance": bal, "unlocks": unlocks})
			})
		},
	}

	var amount int64
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant credits to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				if err := a.Engine.Ledger.Grant(ctx, userID, amount); err != nil {
					return err
				}
				bal, _, err := a.Engine.Ledger.Balance(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Println("balance:", bal)
				return nil
			})
		},
	}
	grant.Flags().Int64Var(&amount, "amount", 0, "credits to add")

	credits.AddCommand(balance, grant)
	return credits
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock-video",
		Short: "Buy the permanent video export unlock",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				if err := a.Engine.UnlockVideo(ctx, userID); err != nil {
					return err
				}
				bal, unlocks, err := a.Engine.Ledger.Balance(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"balance": bal, "unlocks": unlocks})
			})
		},
	}
}

func genresCmd() *cobra.Command {
	var q string
	cmd := &cobra.Command{
		Use:   "genres",
		Short: "Browse the music genre catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				if a.Genres == nil {
					return fmt.Errorf("no genre catalog configured; set music.base_url in ideaforge.yml")
				}
				items, err := a.Genres.List(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Description"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.ID, g.Name, g.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q, "q", "", "search term")
	return cmd
}

func syncCmd() *cobra.Command {
	sync := &cobra.Command{Use: "sync", Short: "Remote backup queue"}

	status := &cobra.Command{
		Use:   "status",
		Short: "Pending save count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				pending, err := a.Syncer.Pending(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"pending": pending,
					"enabled": a.Config.Sync.RemoteURL != "",
				})
			})
		},
	}

	flush := &cobra.Command{
		Use:   "flush",
		Short: "Push pending saves now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				delivered := a.Syncer.Flush(ctx)
				pending, err := a.Syncer.Pending(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("delivered %d, %d pending\n", delivered, pending)
				return nil
			})
		},
	}

	sync.AddCommand(status, flush)
	return sync
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, projectID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				events, err := a.Engine.LatestEvents(ctx, n, projectID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&projectID, "project", "", "project id filter")
	log.AddCommand(tail)
	return log
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "API keys for headless clients"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, userID string) error {
				// The raw key is shown once and only the hash is stored.
				raw := uuid.NewString() + uuid.NewString()
				key := repo.APIKey{
					ID:        uuid.NewString(),
					UserID:    userID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "api_key": raw})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "default", "key label")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	apikey.AddCommand(create, revoke)
	return apikey
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}

	cfg.AddCommand(show, initCmd)
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("IDEAFORGE_JWT_SECRET"),
				MockAuth:  a.Config.Auth.MockAuth,
			}
			if authCfg.JWTSecret == "" && !authCfg.MockAuth {
				return fmt.Errorf("IDEAFORGE_JWT_SECRET is required for bearer auth (or enable auth.mock_auth for local development)")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Syncer:   a.Syncer,
				Genres:   a.Genres,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			go a.Syncer.Run(cmd.Context())

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving IdeaForge API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App, string) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	u, err := a.Engine.EnsureUser(ctx, viper.GetString("email"))
	if err != nil {
		return err
	}
	return fn(ctx, a, u.ID)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
