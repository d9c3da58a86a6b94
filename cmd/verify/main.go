// Command verify checks a deployed playwright-mcp-server instance: the
// health endpoint answers with the expected payload, the landing page is
// served, and (optionally) a streaming session can be opened.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/murtihash94/playwright-mcp-databricks/proxy"
)

var (
	printSuccess = color.New(color.FgGreen).PrintfFunc()
	printFailure = color.New(color.FgRed).PrintfFunc()
	printInfo    = color.New(color.FgBlue).PrintfFunc()
)

func main() {
	app := &cli.App{
		Name:  "verify",
		Usage: "verify a deployed playwright-mcp-server instance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "base-url",
				Usage:   "Base URL of the deployed server.",
				Value:   "http://127.0.0.1:8000",
				EnvVars: []string{"MCP_PROXY_BASE_URL"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Overall deadline for the verification run.",
				Value: 30 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "check-stream",
				Usage: "Also open a streaming session. Spawns one MCP child on the server.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	client := proxy.NewClient(logger.Sugar(), c.String("base-url"))

	printInfo("ℹ verifying %s\n", c.String("base-url"))

	failed := false

	if err := client.WaitForServer(ctx); err != nil {
		printFailure("✗ server not reachable: %s\n", err)
		return cli.Exit("verification failed", 1)
	}
	printSuccess("✓ server is reachable\n")

	status, err := client.Health(ctx)
	switch {
	case err != nil:
		printFailure("✗ health check failed: %s\n", err)
		failed = true
	case status.Status != "healthy" || status.Service != "playwright-mcp-server":
		printFailure("✗ unexpected health payload: %+v\n", status)
		failed = true
	default:
		printSuccess("✓ health payload: status=%s service=%s\n", status.Status, status.Service)
	}

	landing, err := client.Landing(ctx)
	switch {
	case err != nil:
		printFailure("✗ landing page failed: %s\n", err)
		failed = true
	case !strings.Contains(landing, "Playwright") || !strings.Contains(landing, "MCP"):
		printFailure("✗ landing page missing expected content\n")
		failed = true
	default:
		printSuccess("✓ landing page served\n")
	}

	if c.Bool("check-stream") {
		if err := checkStream(ctx, client); err != nil {
			printFailure("✗ stream check failed: %s\n", err)
			failed = true
		} else {
			printSuccess("✓ streaming session opened and closed\n")
		}
	}

	if failed {
		return cli.Exit("verification failed", 1)
	}
	printSuccess("✓ all checks passed\n")
	return nil
}

// checkStream opens a session, initializes the MCP handshake, and expects at
// least one response line back before closing the stream.
func checkStream(ctx context.Context, client *proxy.Client) error {
	initialize := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"verify","version":"0.1.0"}}}` + "\n"
	body, err := client.OpenStream(ctx, http.MethodPost, "/mcp/sse", strings.NewReader(initialize))
	if err != nil {
		return err
	}
	defer body.Close()

	line, err := bufio.NewReader(body).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading first stream chunk: %w", err)
	}
	if strings.TrimSpace(line) == "" {
		return errors.New("stream produced an empty first chunk")
	}
	return nil
}
