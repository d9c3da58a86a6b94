package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/murtihash94/playwright-mcp-databricks/internal/command"
	"github.com/murtihash94/playwright-mcp-databricks/proxy"
)

func main() {
	app := &cli.App{
		Name:  "playwright-mcp-server",
		Usage: "HTTP proxy exposing the Playwright MCP engine as an event stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "0.0.0.0:8000",
				EnvVars: []string{"MCP_PROXY_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "node-path",
				Usage:   "The node interpreter used to run the MCP CLI.",
				Value:   "node",
				EnvVars: []string{"MCP_PROXY_NODE_PATH"},
			},
			&cli.StringFlag{
				Name:    "cli-path",
				Usage:   "Primary location of the MCP CLI script.",
				Value:   command.DefaultCLIPath,
				EnvVars: []string{"MCP_PROXY_CLI_PATH"},
			},
			&cli.StringSliceFlag{
				Name:    "search-path",
				Usage:   "Fallback directories scanned for the CLI script, in order.",
				EnvVars: []string{"MCP_PROXY_SEARCH_PATH"},
			},
			&cli.StringFlag{
				Name:    "browser",
				Usage:   "Browser engine the MCP child drives.",
				Value:   "chromium",
				EnvVars: []string{"MCP_PROXY_BROWSER"},
			},
			&cli.StringFlag{
				Name:    "terminate-grace",
				Usage:   "Duration to wait after SIGTERM before force-killing a child.",
				Value:   "5s",
				EnvVars: []string{"MCP_PROXY_TERMINATE_GRACE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Minimum log level. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"MCP_PROXY_LOG_LEVEL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			terminateGrace, err := time.ParseDuration(ctx.String("terminate-grace"))
			if err != nil {
				return fmt.Errorf("parsing terminate grace: %w", err)
			}
			logLevel, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			spec := command.Spec{
				Node:       ctx.String("node-path"),
				CLIPath:    ctx.String("cli-path"),
				SearchPath: ctx.StringSlice("search-path"),
				Browser:    ctx.String("browser"),
			}

			server, err := proxy.NewServer(
				proxy.WithListenAddr(ctx.String("listen-addr")),
				proxy.WithLogLevel(logLevel),
				proxy.WithCommandSpec(spec),
				proxy.WithTerminateGrace(terminateGrace),
			)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Run()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				fmt.Printf("received %s, shutting down...\n", sig)
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				// Active streams never drain on their own. Closing the
				// server cancels their request contexts, which lets each
				// session's guard terminate and reap its child.
				fmt.Printf("drain incomplete (%s), closing active streams\n", err)
				return server.Stop()
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
