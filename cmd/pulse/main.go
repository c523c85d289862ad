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
	"go.uber.org/zap"

	"pulse/internal/config"
	"pulse/internal/db"
	"pulse/internal/domain"
	"pulse/internal/engine"
	"pulse/internal/ingest"
	"pulse/internal/migrate"
	"pulse/internal/reason"
	"pulse/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Pulse CLI",
	Long: `Pulse ingests development activity and recommends the next best action.
- Workspace: your .pulse directory holding the event database; pulse.yml next to it holds source credentials.
- Events: normalized GitHub and Linear activity, stored idempotently ('pulse ingest').
- Metrics: 48h rolling view of PRs and tickets ('pulse analyze').
- Journey: where you are and where you want to be; recommendations align to it.
- Priority: multi-factor scoring over the full context snapshot ('pulse priority generate').`,
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
	viper.SetEnvPrefix("PULSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(priorityCmd())
	rootCmd.AddCommand(journeyCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(reportCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pulse.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			// Tokens stay out of the printed view.
			cfg.GitHub.Token = ""
			cfg.Linear.APIKey = ""
			cfg.OpenAI.APIKey = ""
			return printJSON(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("Schema at version %d\n", v)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if addr == "" {
					addr = fmt.Sprintf("%s:%d", e.Config.Server.Host, e.Config.Server.Port)
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					GitHub:   newGitHubIngester(e.Config, e.Log),
					Linear:   newLinearIngester(e.Config, e.Log),
					BasePath: basePath,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Pulse API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server host:port)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func ingestCmd() *cobra.Command {
	ing := &cobra.Command{Use: "ingest", Short: "Pull events from external sources"}
	ing.AddCommand(ingestGitHubCmd())
	ing.AddCommand(ingestLinearCmd())
	return ing
}

func ingestGitHubCmd() *cobra.Command {
	var owner, repoName, since string
	cmd := &cobra.Command{
		Use:   "github",
		Short: "Ingest GitHub repository events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if owner == "" {
					owner = e.Config.GitHub.Owner
				}
				if repoName == "" {
					repoName = e.Config.GitHub.Repo
				}
				if owner == "" || repoName == "" {
					return fmt.Errorf("--owner and --repo required (or set github.owner/github.repo in pulse.yml)")
				}
				res, err := newGitHubIngester(e.Config, e.Log).Run(ctx, e.Repo, owner, repoName, since)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&repoName, "repo", "", "repository name")
	cmd.Flags().StringVar(&since, "since", "", "only events at or after this RFC3339 timestamp")
	return cmd
}

func ingestLinearCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "linear",
		Short: "Ingest Linear team issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := newLinearIngester(e.Config, e.Log).Run(ctx, e.Repo, dryRun)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview events without storing them")
	return cmd
}

func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Show 48h metrics and recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, events, err := e.Analyze(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"metrics": m, "events": events})
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Metric", "Value"})
				t.AppendRows([]table.Row{
					{"PRs opened (48h)", m.PRsOpen48h},
					{"PRs merged (48h)", m.PRsMerged48h},
					{"Avg review hours (48h)", fmt.Sprintf("%.1f", m.AvgReviewHours48h)},
					{"Tickets moved (48h)", m.TicketsMoved48h},
					{"Tickets blocked now", m.TicketsBlockedNow},
				})
				t.Render()
				renderEventsTable(events)
				return nil
			})
		},
	}
}

func priorityCmd() *cobra.Command {
	pr := &cobra.Command{Use: "priority", Short: "Generate and score recommendations"}
	pr.AddCommand(priorityGenerateCmd())
	pr.AddCommand(priorityFeedbackCmd())
	return pr
}

func priorityGenerateCmd() *cobra.Command {
	var journeyID string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the next best action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec := e.GenerateRecommendation(ctx, journeyID)
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("Do this next: %s\n", rec.PrimaryAction.Action)
				fmt.Printf("Why: %s\n", rec.PrimaryAction.Why)
				fmt.Printf("Time: %s  Confidence: %.0f%%\n", rec.PrimaryAction.TimeEstimate, rec.PrimaryAction.Confidence*100)
				if len(rec.Alternatives) > 0 {
					fmt.Println("Alternatives:")
					for _, alt := range rec.Alternatives {
						fmt.Printf("  - %s (%s)\n", alt.Action, alt.TimeEstimate)
					}
				}
				fmt.Printf("Context: %s\n", rec.ContextSummary)
				fmt.Printf("Momentum: %s\n", rec.MomentumInsight)
				fmt.Printf("Feedback id: %s\n", rec.ContextID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&journeyID, "journey", "", "journey id (active journey when omitted)")
	return cmd
}

func priorityFeedbackCmd() *cobra.Command {
	var id, action, outcome string
	var score, minutes int
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record feedback for a generated recommendation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required (the feedback id printed by 'pulse priority generate')")
			}
			in := engine.FeedbackInput{RecommendationID: id}
			if cmd.Flags().Changed("action") {
				in.ActionTaken = &action
			}
			if cmd.Flags().Changed("outcome") {
				in.Outcome = &outcome
			}
			if cmd.Flags().Changed("score") {
				in.FeedbackScore = &score
			}
			if cmd.Flags().Changed("minutes") {
				in.TimeToCompleteMinutes = &minutes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rowID, err := e.RecordFeedback(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"status": "recorded", "id": rowID})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "recommendation context id")
	cmd.Flags().StringVar(&action, "action", "", "action actually taken")
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome (completed, partial, skipped, blocked)")
	cmd.Flags().IntVar(&score, "score", 0, "feedback score 1-5")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "minutes to complete")
	return cmd
}

func journeyCmd() *cobra.Command {
	j := &cobra.Command{Use: "journey", Short: "Manage journey state"}
	j.AddCommand(journeyShowCmd())
	j.AddCommand(journeySetCmd())
	return j
}

func journeyShowCmd() *cobra.Command {
	var journeyID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored journey",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.JourneyState(ctx, journeyID)
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	cmd.Flags().StringVar(&journeyID, "id", "", "journey id (active journey when omitted)")
	return cmd
}

func journeySetCmd() *cobra.Command {
	var (
		id, role, timeline, status, momentum, project string
		workHours, energyPattern                      string
		priorities                                    []string
		inactive                                      bool
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace the journey",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				return fmt.Errorf("--role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				now := e.Now().UTC().Format(time.RFC3339)
				j := domain.Journey{
					ID: id,
					DesiredState: domain.JourneyDesiredState{
						Role:       role,
						Timeline:   timeline,
						Priorities: priorities,
					},
					CurrentState: domain.JourneyCurrentState{
						Status:         status,
						Momentum:       momentum,
						CurrentProject: project,
					},
					Preferences: domain.JourneyPreferences{
						WorkHours:     workHours,
						EnergyPattern: energyPattern,
					},
					IsActive:  !inactive,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if j.ID == "" {
					j.ID = uuid.NewString()
				} else if existing, err := e.Repo.GetJourney(ctx, j.ID); err == nil {
					j.CreatedAt = existing.CreatedAt
				}
				if err := e.Repo.UpsertJourney(ctx, j); err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "journey id (generated when omitted)")
	cmd.Flags().StringVar(&role, "role", "", "desired role")
	cmd.Flags().StringVar(&timeline, "timeline", "", "timeline to reach it")
	cmd.Flags().StringArrayVar(&priorities, "priority", []string{}, "journey priority (repeatable)")
	cmd.Flags().StringVar(&status, "status", "", "current status")
	cmd.Flags().StringVar(&momentum, "momentum", "", "current momentum")
	cmd.Flags().StringVar(&project, "project", "", "current project")
	cmd.Flags().StringVar(&workHours, "work-hours", "", "work hours, e.g. 9:00-17:00")
	cmd.Flags().StringVar(&energyPattern, "energy-pattern", "", "energy pattern, e.g. morning_peak")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "store the journey as inactive")
	return cmd
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Inspect the event log"}
	ev.AddCommand(eventsTailCmd())
	return ev
}

func eventsTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.ListRecentEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				renderEventsTable(events)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Show the public activity report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSON(e.BuildPublicReport(ctx))
			})
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()
	rc := reason.New(openAIKey(cfg), cfg.OpenAI.Model, log)
	e := engine.New(conn, cfg, rc, log)
	return fn(ctx, e)
}

func newGitHubIngester(cfg *config.Config, log *zap.Logger) *ingest.GitHub {
	token := viper.GetString("github-token")
	if token == "" {
		token = cfg.GitHub.Token
	}
	return ingest.NewGitHub(token, log)
}

func newLinearIngester(cfg *config.Config, log *zap.Logger) *ingest.Linear {
	apiKey := viper.GetString("linear-api-key")
	if apiKey == "" {
		apiKey = cfg.Linear.APIKey
	}
	l := ingest.NewLinear(apiKey, cfg.Linear.TeamID, log)
	if cfg.Ingest.DefaultCursorHours > 0 {
		l.DefaultCursorHours = cfg.Ingest.DefaultCursorHours
	}
	return l
}

func openAIKey(cfg *config.Config) string {
	if key := viper.GetString("openai-api-key"); key != "" {
		return key
	}
	return cfg.OpenAI.APIKey
}

func renderEventsTable(events []domain.Event) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"TS", "Source", "Type", "Actor", "Title"})
	for _, ev := range events {
		actor := ""
		if ev.Actor != nil {
			actor = *ev.Actor
		}
		title := ""
		if ev.Title != nil {
			title = *ev.Title
		}
		if len(title) > 60 {
			title = title[:57] + "..."
		}
		t.AppendRow(table.Row{ev.TS, ev.Source, ev.Type, actor, title})
	}
	t.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
