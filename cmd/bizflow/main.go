package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/bizflow/internal/diagram"
	"github.com/rendis/bizflow/pkg/mcp"
)

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "bizflow:", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:                  "bizflow",
		Usage:                 "Business workflow orchestration for small firms",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Usage: "Path of the libSQL database file"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)"},
			&cli.StringFlag{Name: "log-format", Usage: "Log format (text, json)"},
			&cli.StringFlag{Name: "event-bus", Usage: "Event bus transport (channel, kafka)"},
			&cli.StringSliceFlag{Name: "kafka-brokers", Usage: "Kafka broker addresses"},
			&cli.IntFlag{Name: "workers", Usage: "Size of the trigger worker pool"},
			&cli.BoolFlag{Name: "tracing", Usage: "Export traces over OTLP/HTTP"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			templatesCommand(),
			publishCommand(),
			auditCommand(),
			secretsCommand(),
			diagramCommand(),
			{
				Name:  "version",
				Usage: "Print the build version",
				Action: func(_ context.Context, cmd *cli.Command) error {
					_, err := fmt.Fprintln(cmd.Root().Writer, version)
					return err
				},
			},
		},
	}
}

// resolveConfig layers command-line flags over loadConfig.
func resolveConfig(cmd *cli.Command) (Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, cmd)
	return cfg, nil
}

func applyFlags(cfg *Config, cmd *cli.Command) {
	if cmd.IsSet("db") {
		cfg.DBPath = cmd.String("db")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	if cmd.IsSet("event-bus") {
		cfg.EventBus = cmd.String("event-bus")
	}
	if cmd.IsSet("kafka-brokers") {
		cfg.Kafka.Brokers = cmd.StringSlice("kafka-brokers")
	}
	if cmd.IsSet("workers") {
		cfg.Workers = cmd.Int("workers")
	}
	if cmd.IsSet("tracing") {
		cfg.Tracing = cmd.Bool("tracing")
	}
}

// withRuntime builds the runtime for one command and always closes it.
func withRuntime(ctx context.Context, cmd *cli.Command, fn func(context.Context, *runtime) error) (err error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if cerr := rt.Close(shutdownCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, rt)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the engine and serve MCP over stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.app.Start(ctx); err != nil {
					return err
				}
				rt.logger.InfoContext(ctx, "serving MCP on stdio",
					"db", rt.cfg.DBPath, "event_bus", rt.cfg.EventBus, "version", version)

				srv := mcp.NewServer(mcp.ServerDeps{App: rt.app, Logger: rt.logger})
				if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			})
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the database schema",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			_, err = fmt.Fprintf(cmd.Root().Writer, "database ready: %s\n", cfg.DBPath)
			return err
		},
	}
}

func templatesCommand() *cli.Command {
	return &cli.Command{
		Name:  "templates",
		Usage: "Manage the workflow template catalog",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List templates",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "category", Usage: "Only templates of this category"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
						tpls, err := rt.app.GetTemplates(ctx, cmd.String("category"))
						if err != nil {
							return err
						}
						return printJSON(cmd.Root().Writer, tpls)
					})
				},
			},
			{
				Name:  "seed",
				Usage: "Insert the built-in templates that are missing",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
						n, err := rt.app.Catalog.SeedTemplates(ctx)
						if err != nil {
							return err
						}
						_, err = fmt.Fprintf(cmd.Root().Writer, "%d templates added\n", n)
						return err
					})
				},
			},
			{
				Name:      "import",
				Usage:     "Import a template from a JSON file",
				ArgsUsage: "<file>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return fmt.Errorf("import takes exactly one file argument")
					}
					raw, err := os.ReadFile(cmd.Args().First())
					if err != nil {
						return err
					}
					return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
						tpl, err := rt.app.Catalog.ImportTemplate(ctx, raw)
						if err != nil {
							return err
						}
						return printJSON(cmd.Root().Writer, tpl)
					})
				},
			},
		},
	}
}

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish a domain event",
		ArgsUsage: "<event>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "payload", Usage: "Event payload as a JSON object", Value: "{}"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("publish takes exactly one event name")
			}
			name := cmd.Args().First()
			var payload map[string]any
			if err := json.Unmarshal([]byte(cmd.String("payload")), &payload); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}

			return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
				// Over Kafka a running server picks the event up. In-process the
				// matching workflows run here and their executions are printed.
				if rt.cfg.EventBus == "kafka" {
					if err := rt.app.PublishEvent(ctx, name, payload); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.Root().Writer, "published %s\n", name)
					return err
				}
				if _, err := rt.app.Catalog.RegisterActive(ctx); err != nil {
					return err
				}
				execs, err := rt.app.DispatchEvent(ctx, name, payload)
				if perr := printJSON(cmd.Root().Writer, execs); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Print the lifecycle audit log",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Usage: "Only entries of this workflow"},
			&cli.IntFlag{Name: "since", Usage: "Only entries after this sequence number"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
				entries, err := rt.audit.List(ctx, cmd.String("workflow"), int64(cmd.Int("since")))
				if err != nil {
					return err
				}
				return printJSON(cmd.Root().Writer, entries)
			})
		},
	}
}

func secretsCommand() *cli.Command {
	vaultAction := func(fn func(context.Context, *cli.Command, *runtime) error) cli.ActionFunc {
		return func(ctx context.Context, cmd *cli.Command) error {
			return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
				if rt.vault == nil {
					return fmt.Errorf("no vault configured: set BIZFLOW_VAULT_PASSPHRASE")
				}
				return fn(ctx, cmd, rt)
			})
		}
	}
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage integration credentials referenced as {{secrets.KEY}}",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store a secret",
				ArgsUsage: "<key> <value>",
				Action: vaultAction(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					if cmd.Args().Len() != 2 {
						return fmt.Errorf("set takes a key and a value")
					}
					return rt.vault.Put(ctx, cmd.Args().Get(0), []byte(cmd.Args().Get(1)))
				}),
			},
			{
				Name:  "list",
				Usage: "List secret keys",
				Action: vaultAction(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					keys, err := rt.vault.List(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.Root().Writer, keys)
				}),
			},
			{
				Name:      "delete",
				Usage:     "Remove a secret",
				ArgsUsage: "<key>",
				Action: vaultAction(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					if cmd.Args().Len() != 1 {
						return fmt.Errorf("delete takes exactly one key")
					}
					return rt.vault.Delete(ctx, cmd.Args().First())
				}),
			},
		},
	}
}

func diagramCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagram",
		Usage:     "Render a workflow, or one of its executions",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "execution", Usage: "Overlay the step status of this execution"},
			&cli.StringFlag{Name: "format", Usage: "ascii, mermaid or image", Value: "ascii"},
			&cli.StringFlag{Name: "out", Usage: "Write to this file instead of stdout (required for image)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			workflowID := cmd.Args().First()
			executionID := cmd.String("execution")
			if workflowID == "" && executionID == "" {
				return fmt.Errorf("a workflow id or --execution is required")
			}
			format := cmd.String("format")
			if format == "image" && cmd.String("out") == "" {
				return fmt.Errorf("--out is required for image output")
			}

			return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
				model, err := rt.app.Diagram(ctx, workflowID, executionID)
				if err != nil {
					return err
				}
				var data []byte
				switch format {
				case "ascii":
					data = []byte(diagram.RenderASCII(model))
				case "mermaid":
					data = []byte(diagram.RenderMermaid(model))
				case "image":
					if data, err = diagram.RenderImage(ctx, model); err != nil {
						return err
					}
				default:
					return fmt.Errorf("unknown format %q", format)
				}
				if out := cmd.String("out"); out != "" {
					return os.WriteFile(out, data, 0o644)
				}
				_, err = cmd.Root().Writer.Write(data)
				return err
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
