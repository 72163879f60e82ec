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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reviewline/internal/analysis"
	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/engine"
	"reviewline/internal/github"
	"reviewline/internal/logging"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
	"reviewline/internal/server"
	reviewlinesdk "reviewline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "rvl",
	Short: "Reviewline CLI",
	Long: `Reviewline runs asynchronous AI code reviews of pull requests.
Submit a repository URL and pull request number; the orchestrator fetches the
diff, splits it into bounded units, reviews each unit with the configured
model, and aggregates the findings into a single ordered report.

'rvl serve' runs the API and orchestrator. 'rvl review submit' talks to a
running server; the read commands (show, report, list) work directly off the
workspace database.`,
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
	viper.SetEnvPrefix("REVIEWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "reviewline server URL")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reviewline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			log := logging.New(os.Stderr, cfg.Server.LogLevel)
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			fetcher := github.New(cfg.GitHub.APIBase, os.Getenv(cfg.GitHub.TokenEnv))
			provider := analysis.NewOpenAI(analysis.OpenAIConfig{
				BaseURL:     cfg.Provider.BaseURL,
				Model:       cfg.Provider.Model,
				APIKey:      os.Getenv(cfg.Provider.APIKeyEnv),
				Temperature: cfg.Provider.Temperature,
			})
			analyzer := analysis.NewClient(provider, analysis.ClientConfig{
				MaxAttempts:       cfg.Provider.MaxAttempts,
				Timeout:           cfg.ProviderTimeout(),
				BackoffBase:       cfg.BackoffBase(),
				BackoffCap:        cfg.BackoffCap(),
				GlobalConcurrency: cfg.Orchestrator.GlobalConcurrency,
			}, log)
			e := engine.New(conn, cfg, fetcher, analyzer, log)
			if err := e.RecoverInterrupted(cmd.Context()); err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), e, log)

			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Listen
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				e.Shutdown(ctx)
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Reviewline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func reviewCmd() *cobra.Command {
	review := &cobra.Command{
		Use:   "review",
		Short: "Manage review tasks",
		Long:  "Review tasks flow pending -> running -> completed/partial/failed. Partial means some diff units produced findings while others exhausted their retries.",
	}
	review.AddCommand(reviewSubmitCmd())
	review.AddCommand(reviewListCmd())
	review.AddCommand(reviewShowCmd())
	review.AddCommand(reviewReportCmd())
	review.AddCommand(reviewCancelCmd())
	review.AddCommand(reviewDeleteCmd())
	return review
}

func reviewSubmitCmd() *cobra.Command {
	var id, repoURL string
	var changeID int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a pull request for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoURL == "" {
				return fmt.Errorf("--repo required")
			}
			if changeID <= 0 {
				return fmt.Errorf("--change must be positive")
			}
			c := sdkClient()
			t, err := c.Submit(cmd.Context(), id, repoURL, changeID)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (optional, for idempotent resubmission)")
	cmd.Flags().StringVar(&repoURL, "repo", "", "repository URL (https://github.com/owner/repo)")
	cmd.Flags().IntVar(&changeID, "change", 0, "pull request number")
	return cmd
}

func reviewListCmd() *cobra.Command {
	var status string
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, total, err := r.ListTasks(ctx, repo.ListFilter{Status: status, Page: page, PerPage: perPage})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": tasks, "total": total, "page": page, "per_page": perPage})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Repo", "PR", "Status", "Units", "Created"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{
						t.ID, t.RepoURL, t.ChangeID, t.Status,
						fmt.Sprintf("%d/%d ok, %d failed", t.CompletedUnits, t.TotalUnits, t.FailedUnits),
						t.CreatedAt,
					})
				}
				tw.Render()
				fmt.Printf("%d task(s) total\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&perPage, "per-page", 10, "page size")
	return cmd
}

func reviewShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a review task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func reviewReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Show the aggregated review report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if !t.Status.Terminal() {
					return fmt.Errorf("task is %s; the report is available once it reaches a terminal state", t.Status)
				}
				report, err := r.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Task %s (%s): %d unit(s), %d issue(s), %d critical\n",
					report.TaskID, report.Status,
					report.Summary.TotalUnits, report.Summary.TotalIssues, report.Summary.CriticalIssues)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Unit", "Status", "File", "Line", "Severity", "Message"})
				for _, entry := range report.Entries {
					if entry.Status == "failed" {
						tw.AppendRow(table.Row{entry.UnitIndex, entry.Status, "", "", "", entry.Error})
						continue
					}
					for _, f := range entry.Findings {
						line := ""
						if f.Line != nil {
							line = fmt.Sprintf("%d", *f.Line)
						}
						tw.AppendRow(table.Row{entry.UnitIndex, entry.Status, f.Path, line, f.Severity, f.Message})
					}
				}
				tw.Render()
				return nil
			})
		},
		Args: cobra.ExactArgs(1),
	}
	return cmd
}

func reviewCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running review task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := sdkClient()
			t, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	return cmd
}

func reviewDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a review task and its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := sdkClient()
			if err := c.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show task statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				total := 0
				for _, n := range counts {
					total += n
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"total_tasks": total, "by_status": counts})
				}
				fmt.Printf("Tasks: %d\n", total)
				for status, n := range counts {
					fmt.Printf("  %s: %d\n", status, n)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: submissions, lifecycle transitions, and unit failures.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func sdkClient() *reviewlinesdk.Client {
	return reviewlinesdk.New(viper.GetString("server"))
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
