package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"sqs/internal/app"
	"sqs/internal/config"
	"sqs/internal/db"
	"sqs/internal/engine"
	"sqs/internal/migrate"
	"sqs/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sqs",
	Short: "Spatial Query Service CLI",
	Long: `sqs prefills land-use proposal forms from GIS layers.
Core concepts:
- Workspace: a directory holding sqs.yml and the .sqs/sqs.db database.
- Layer: a named GeoJSON feature collection, fetched from a URL or loaded from a file, versioned on content change.
- Masterlist question: binds a form question to a layer column, an overlay (Overlapping/Outside) and an operator.
- Query: FULL and PARTIAL requests prefill a whole proposal; SINGLE evaluates one question.
- Task queue: one created task per proposal, run in priority order by 'sqs worker' or 'sqs serve --worker'.
- Request log: every request and its response, used to short-circuit unchanged proposals.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SQS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(layerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var system string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create sqs.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			wrote, err := app.Init(cmd.Context(), workspace, system, force)
			if err != nil {
				return err
			}
			schema, err := migrate.Latest()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": config.Path(workspace), "written": wrote, "db": db.Path(workspace), "schema_version": schema})
			}
			if wrote {
				fmt.Printf("Wrote %s\n", config.Path(workspace))
			} else {
				fmt.Printf("Kept existing %s (use --force to overwrite)\n", config.Path(workspace))
			}
			fmt.Printf("Database %s at schema version %d\n", db.Path(workspace), schema)
			return nil
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "default system name (DAS)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing sqs.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in sqs.yml: server address, queue limits, query defaults, layer fetch limits and role permissions.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Layers.Password != "" {
				shown.Layers.Password = "********"
			}
			out, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate sqs.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "validate this file instead of the workspace sqs.yml")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorker, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: legacyHeader,
					LegacyRole:             "requester",
					Logger:                 logger(),
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("SQS_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Layers:   a.Layers,
					RBAC:     a.Auth,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				if withWorker {
					go func() {
						_ = engine.Worker{Engine: a.Engine, Logger: logger()}.Run(ctx)
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving sqs API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8002", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	cmd.Flags().BoolVar(&withWorker, "worker", false, "also drain the task queue in this process")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local use only)")
	return cmd
}

func workerCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued prefill tasks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w := engine.Worker{Engine: a.Engine, Interval: interval, Logger: log.New(os.Stderr, "", log.LstdFlags)}
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval when the queue is empty (default queue.poll_interval)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with SQS_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), actor, roles, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "subject (defaults to --actor-id)")
	cmd.Flags().StringArrayVar(&roles, "role", []string{"requester"}, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

// --- helpers ---

func logger() *log.Logger {
	if viper.GetBool("verbose") {
		return log.New(os.Stderr, "", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides keeps layer service credentials out of sqs.yml.
func applyEnvOverrides(cfg *config.Config) {
	if u := viper.GetString("layers-user"); u != "" {
		cfg.Layers.User = u
	}
	if p := viper.GetString("layers-password"); p != "" {
		cfg.Layers.Password = p
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), logger())
	if err != nil {
		return err
	}
	defer a.Close()
	applyEnvOverrides(a.Config)
	return fn(ctx, a)
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

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
