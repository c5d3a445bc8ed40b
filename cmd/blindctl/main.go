// Command blindctl is an interactive client for the blinds-home daemon.
//
// With arguments it runs a single command and exits:
//
//	blindctl -server http://pi:8080 set living 40
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
)

const commandTimeout = 20 * time.Second

func main() {
	server := flag.String("server", envOr("BLINDS_SERVER", "http://127.0.0.1:8080"), "blinds-home base URL")
	apiKey := flag.String("api-key", os.Getenv("BLINDS_WEB_API_KEY"), "API key sent as X-API-Key")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shell := NewShell(NewClient(*server, *apiKey), os.Stdout)

	if flag.NArg() > 0 {
		if err := runOnce(ctx, shell, strings.Join(flag.Args(), " ")); err != nil && !errors.Is(err, errQuit) {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := interactive(ctx, shell, *server); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, shell *Shell, line string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return shell.Exec(ctx, line)
}

func interactive(ctx context.Context, shell *Shell, server string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "blinds> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	shell.out = rl.Stdout()
	fmt.Fprintf(shell.out, "Connected to %s. Type 'help' for commands.\n", server)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return nil
		}

		err = runOnce(ctx, shell, strings.TrimSpace(line))
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintln(rl.Stderr(), "error:", err)
		}
	}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("list"),
	readline.PcItem("get"),
	readline.PcItem("set"),
	readline.PcItem("open"),
	readline.PcItem("close"),
	readline.PcItem("rename"),
	readline.PcItem("forget"),
	readline.PcItem("version"),
	readline.PcItem("exit"),
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
