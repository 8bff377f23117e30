package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"pvlab/internal/app"
	"pvlab/internal/db"
	"pvlab/internal/domain"
	"pvlab/internal/engine"
	"pvlab/internal/migrate"
	"pvlab/internal/protocol"
	"pvlab/internal/repo"
	"pvlab/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pvlab",
	Short: "PVLab CLI",
	Long: `PVLab executes laboratory test protocols against samples.
- Workspace: the .pvlab directory holding the SQLite database; lab.yml beside it holds lab settings.
- Protocol: a JSON document declaring fields, steps, QC rules and acceptance criteria; imported into the catalog and versioned.
- Run: one execution of a protocol version against a sample; measurements append to an immutable ledger.
- QC: rules replayed over the ledger after every ingestion; continuous rules alert, periodic rules may flag or abort.
- Verdict: tiered acceptance computed at completion; worst criterion wins.
- Event log: the audit journal of everything that happened, view with 'pvlab log tail'.`,
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
	viper.SetEnvPrefix("PVLAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("lab", "", "lab id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("lab", rootCmd.PersistentFlags().Lookup("lab"))
}

func registerCommands() {
	rootCmd.AddCommand(protocolCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- protocol ---

func protocolCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "protocol", Short: "Manage protocol documents"}
	cmd.AddCommand(protocolValidateCmd())
	cmd.AddCommand(protocolImportCmd())
	cmd.AddCommand(protocolListCmd())
	cmd.AddCommand(protocolShowCmd())
	return cmd
}

func protocolValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a protocol document without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := protocol.Load(raw)
			if err != nil {
				var se *protocol.SchemaError
				if errors.As(err, &se) {
					for _, v := range se.Violations {
						fmt.Println("violation:", v)
					}
				}
				return err
			}
			fmt.Printf("ok: %s version %s (%d fields, %d steps, %d qc rules, %d criteria)\n",
				def.Meta.ID, def.Meta.Version, len(def.Fields()), len(def.Steps), len(def.QCRules), len(def.Acceptance))
			return nil
		},
	}
	return cmd
}

func protocolImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a protocol document into the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ImportProtocol(ctx, raw, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func protocolListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List imported protocols",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProtocols(ctx, category)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Category", "Title", "Imported"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Version, p.Category, p.Title, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	return cmd
}

func protocolShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id> <version>",
		Short: "Show a protocol document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProtocol(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Println(p.Document)
				return nil
			})
		},
	}
	return cmd
}

// --- run ---

func runCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Manage test runs"}
	cmd.AddCommand(runCreateCmd())
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runShowCmd())
	cmd.AddCommand(runLifecycleCmd("start", "Start a run", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		return e.StartRun(ctx, id, viper.GetString("actor-id"))
	}))
	cmd.AddCommand(runLifecycleCmd("pause", "Pause a run", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		return e.PauseRun(ctx, id, viper.GetString("actor-id"))
	}))
	cmd.AddCommand(runLifecycleCmd("resume", "Resume a paused run", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		return e.ResumeRun(ctx, id, viper.GetString("actor-id"))
	}))
	cmd.AddCommand(runLifecycleCmd("advance", "Advance to the next step", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		return e.AdvanceStep(ctx, id, viper.GetString("actor-id"))
	}))
	cmd.AddCommand(runLifecycleCmd("checkpoint", "Checkpoint a run", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		return e.Checkpoint(ctx, id)
	}))
	cmd.AddCommand(runLifecycleCmd("restore", "Restore a run from its checkpoint", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		return e.ResumeFromCheckpoint(ctx, id, viper.GetString("actor-id"))
	}))
	cmd.AddCommand(runSubmitCmd())
	cmd.AddCommand(runDiscardCmd())
	cmd.AddCommand(runAbortCmd())
	cmd.AddCommand(runCompleteCmd())
	cmd.AddCommand(runWaitCmd())
	cmd.AddCommand(runReportCmd())
	return cmd
}

func runCreateCmd() *cobra.Command {
	var protocolID, version, sampleID, operator string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run binding a sample to a protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CreateRun(ctx, engine.RunCreateOptions{
					ProtocolID:      protocolID,
					ProtocolVersion: version,
					SampleID:        sampleID,
					Operator:        operator,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&protocolID, "protocol", "", "protocol id")
	cmd.Flags().StringVar(&version, "version", "", "protocol version (default latest)")
	cmd.Flags().StringVar(&sampleID, "sample", "", "sample id")
	cmd.Flags().StringVar(&operator, "operator", "", "operator name")
	_ = cmd.MarkFlagRequired("protocol")
	_ = cmd.MarkFlagRequired("sample")
	return cmd
}

func runListCmd() *cobra.Command {
	var status, sampleID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, status, sampleID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Protocol", "Sample", "Status", "Step", "Created"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.ProtocolID + "@" + run.ProtocolVersion, run.SampleID, run.Status, run.StepIndex, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&sampleID, "sample", "", "sample filter")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	return cmd
}

func runLifecycleCmd(use, short string, action func(ctx context.Context, e engine.Engine, id string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := action(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func runSubmitCmd() *cobra.Command {
	var location, ts string
	var cycle int
	cmd := &cobra.Command{
		Use:   "submit <run-id> <field-id> <value>",
		Short: "Submit a measurement",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in := engine.MeasurementInput{
					RunID:   args[0],
					FieldID: args[1],
					Value:   parseValue(args[2]),
					TS:      ts,
					ActorID: viper.GetString("actor-id"),
				}
				if location != "" {
					in.LocationID = &location
				}
				if cmd.Flags().Changed("cycle") {
					in.Cycle = &cycle
				}
				m, qcEvents, err := e.SubmitMeasurement(ctx, in)
				if err != nil {
					return err
				}
				for _, ev := range qcEvents {
					fmt.Printf("qc %s [%s]: %s\n", ev.RuleID, ev.Action, ev.Message)
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "measurement location id")
	cmd.Flags().IntVar(&cycle, "cycle", 0, "exposure cycle ordinal")
	cmd.Flags().StringVar(&ts, "ts", "", "measurement timestamp (RFC3339)")
	return cmd
}

// parseValue interprets a CLI argument as JSON when possible, falling back to
// a plain string. "25.4" becomes a number, "true" a boolean.
func parseValue(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err == nil {
		return v
	}
	return arg
}

func runDiscardCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "discard <run-id> <seq>",
		Short: "Discard a measurement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var seq int64
			if _, err := fmt.Sscanf(args[1], "%d", &seq); err != nil {
				return fmt.Errorf("seq must be an integer: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DiscardMeasurement(ctx, args[0], seq, reason, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "discard reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func runAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Abort a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.AbortRun(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "abort reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func runCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <run-id>",
		Short: "Complete a run and compute its verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, verdict, err := e.CompleteRun(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("run %s: %s (overall %s)\n", run.ID, run.Status, verdict.Overall)
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Criterion", "Metric", "Severity", "Observed", "Verdict"})
					for _, c := range verdict.Criteria {
						observed := ""
						if c.Observed != nil {
							observed = fmt.Sprintf("%g", *c.Observed)
						}
						tw.AppendRow(table.Row{c.CriterionID, c.Metric, c.Severity, observed, c.Verdict})
					}
					tw.Render()
					return nil
				}
				return printJSON(map[string]any{"run": run, "verdict": verdict})
			})
		},
	}
	return cmd
}

func runWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <run-id>",
		Short: "Wait until the current step's duration elapses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AwaitStepDuration(ctx, args[0])
			})
		},
	}
	return cmd
}

func runReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Print a full run report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Report(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			})
		},
	}
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, runID, 0, 0)
				if err != nil {
					return err
				}
				if len(events) > n {
					events = events[len(events)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Run", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.RunID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				secret := "pvlab_" + hex.EncodeToString(buf)
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The secret is shown once and never stored.
				fmt.Println(secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace, viper.GetString("lab"))
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PVLAB_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PVLAB_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving PVLab API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace, viper.GetString("lab"))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

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
