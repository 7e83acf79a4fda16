// Command campus is a command-line client for the campus platform. It signs
// in once and shares one access token across the platform's services,
// refreshing it transparently when a service rejects it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/campus-cli/tui"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg, err := parseConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if insecure := cfg.insecureServices(); len(insecure) > 0 {
		fmt.Fprintf(
			os.Stderr,
			"⚠️  WARNING: %v use HTTP instead of HTTPS. Tokens will be transmitted in plaintext!\n",
			insecure,
		)
		fmt.Fprintln(os.Stderr, "⚠️  This is only safe for local development. Use HTTPS in production.")
		fmt.Fprintln(os.Stderr)
	}

	tty := isTTY()
	log, closeLog, err := newLogger(cfg, tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	var runErr error
	if tty {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr = run(cfg, d, log)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		runErr = run(cfg, d, log)
	}

	if errors.Is(runErr, errUsage) {
		fmt.Fprint(os.Stderr, "\n"+usageText)
	}
	if runErr != nil {
		closeLog()
		os.Exit(1)
	}
}

func run(cfg *Config, d tui.Displayer, log logrus.FieldLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, d, log, newHTTPClient())
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer a.close()

	if err := a.runCommand(ctx, cfg.Args); err != nil {
		d.Fatal(err)
		return err
	}
	return nil
}
