// Command libbyfetch signs in to a library lending site, lets you pick an
// audiobook on loan and downloads its parts.
//
// Exit codes:
//   - 0: success
//   - 1: unclassified failure
//   - 2: configuration or credentials file problem
//   - 3: a page element did not appear in time
//   - 4: library card rejected
//   - 5: sign-in retries exhausted
//   - 6: unknown library code
//   - 7: invalid title choice or empty shelf
//   - 8: media request never observed
//   - 9: part download failed
//   - 10: archive upload failed
//   - 130: interrupted
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"libbyfetch/internal/config"
	"libbyfetch/internal/fault"
	"libbyfetch/internal/logging"
	"libbyfetch/internal/runner"
)

func main() {
	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	app := newApp()
	if err := app.Run(os.Args); err != nil {
		os.Exit(fault.ExitCode(err))
	}
}

func newApp() *cli.App {
	defaults := config.DefaultConfig()
	return &cli.App{
		Name:    defaults.App.Name,
		Usage:   "Download an audiobook on loan from your library",
		Version: defaults.App.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML settings file",
				EnvVars: []string{"LIBBYFETCH_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "credentials",
				Usage:   "credentials file holding institutionId,cardNumber[,pin]",
				Value:   config.DefaultCredentialsFile,
				EnvVars: []string{"LIBBYFETCH_CREDENTIALS"},
			},
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "directory the parts are written to",
				EnvVars: []string{"LIBBYFETCH_DIR"},
			},
			&cli.BoolFlag{
				Name:    "headless",
				Usage:   "run Chrome without a window",
				Value:   true,
				EnvVars: []string{"LIBBYFETCH_HEADLESS"},
			},
			&cli.StringFlag{
				Name:    "limit",
				Usage:   "bandwidth cap such as 500K or 2M",
				EnvVars: []string{"LIBBYFETCH_LIMIT"},
			},
			&cli.StringFlag{
				Name:    "trace-dir",
				Usage:   "directory for JSONL run traces",
				EnvVars: []string{"LIBBYFETCH_TRACE_DIR"},
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "also write JSON logs to this rotated file",
				EnvVars: []string{"LIBBYFETCH_LOG_FILE"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "debug logging",
				EnvVars: []string{"LIBBYFETCH_VERBOSE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Show version information",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "%s %s\n", c.App.Name, c.App.Version)
					return nil
				},
			},
		},
		Action:         fetchAction,
		ExitErrHandler: exitErrHandler,
	}
}

// loadConfig layers flags and their env vars over the YAML file and defaults.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, fault.New("config", fault.KindConfig, err)
	}

	if c.IsSet("credentials") || cfg.Library.CredentialsFile == "" {
		cfg.Library.CredentialsFile = c.String("credentials")
	}
	if c.IsSet("dir") {
		cfg.Download.Dir = c.String("dir")
	}
	if c.IsSet("headless") {
		headless := c.Bool("headless")
		cfg.Browser.Headless = &headless
	}
	if c.IsSet("limit") {
		cfg.Download.BandwidthLimit = c.String("limit")
	}
	if c.IsSet("trace-dir") {
		cfg.Trace.Dir = c.String("trace-dir")
	}
	if c.IsSet("log-file") {
		cfg.App.LogFile = c.String("log-file")
	}
	if c.IsSet("verbose") {
		cfg.App.Verbose = c.Bool("verbose")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fault.New("config", fault.KindConfig, err)
	}
	return cfg, nil
}

func fetchAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, cleanup := logging.New(logging.Options{
		LogFile: cfg.App.LogFile,
		Verbose: cfg.App.Verbose,
		Console: c.App.ErrWriter,
	})
	defer func() { _ = cleanup() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Debug("configuration loaded",
		zap.String("credentials", cfg.Library.CredentialsFile),
		zap.String("dir", cfg.Download.Dir),
		zap.Bool("headless", cfg.Browser.IsHeadless()))

	r := runner.New(cfg, runner.Options{Stdin: os.Stdin, Stdout: c.App.Writer}, logger)
	_, err = r.Run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Warn("interrupted")
	}
	return err
}

// exitErrHandler prints the failure and exits with the code of its kind.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		cli.HandleExitCoder(err)
		return
	}
	fmt.Fprintln(c.App.ErrWriter, "Error:", err)
	cli.OsExiter(fault.ExitCode(err))
}
