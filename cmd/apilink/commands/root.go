package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/mberan/apilink/internal/app"
	"github.com/mberan/apilink/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "apilink",
		Usage: "authenticated API access layer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otlp)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "api--base-url",
				Usage: "backend base URL",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			statusCommand(),
			getCommand(),
			logoutCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// buildApp loads config, sets up logging, and wires the component graph.
func buildApp(cmd *cli.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating the app
	if err := observability.Instrument(cfg.LogLevel, string(cfg.LogFormat)); err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create app: %w", err)
	}
	return application, nil
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "authenticate and store the session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "email",
				Usage: "account email (prompted if omitted)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, err := buildApp(cmd)
			if err != nil {
				return err
			}

			email := cmd.String("email")
			if email == "" {
				fmt.Print("email: ")
				reader := bufio.NewReader(os.Stdin)
				line, readErr := reader.ReadString('\n')
				if readErr != nil {
					return fmt.Errorf("reading email: %w", readErr)
				}
				email = strings.TrimSpace(line)
			}

			fmt.Print("password: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}

			user, err := application.Auth.Login(ctx, email, string(password))
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			fmt.Println("logged in")
			if len(user) > 0 {
				fmt.Println(string(user))
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show authentication and cache state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, err := buildApp(cmd)
			if err != nil {
				return err
			}

			result := application.Tokens.ValidateToken(ctx)
			fmt.Printf("authenticated: %t (%s)\n", result.Valid, result.Reason)
			if result.Valid {
				fmt.Printf("token expires: %s\n", result.Pair.Expiry().Format(time.RFC3339))
			}
			if session := application.Tokens.CurrentSession(ctx); session != nil {
				fmt.Printf("session: %s (started %s)\n", session.ID,
					time.UnixMilli(session.StartedAt).Format(time.RFC3339))
			}

			stats := application.Cache.Stats()
			fmt.Printf("cache: %d/%d entries, %d hits, %d misses, %d evictions\n",
				stats.Size, stats.Capacity, stats.Hits, stats.Misses, stats.Evictions)
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "issue an authenticated GET and print the JSON response",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("missing request path")
			}

			application, err := buildApp(cmd)
			if err != nil {
				return err
			}

			raw, err := application.Client.Get(ctx, path)
			if err != nil {
				return err
			}
			if len(raw) > 0 {
				fmt.Println(string(raw))
			}
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "invalidate the stored session",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, err := buildApp(cmd)
			if err != nil {
				return err
			}

			application.Auth.Logout(ctx)
			fmt.Println("logged out")
			return nil
		},
	}
}
