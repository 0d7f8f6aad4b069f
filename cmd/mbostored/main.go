// mbostored is the MBO storage daemon. It reads commands from a terminal
// prompt or, when stdin is not a terminal, one command per input line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/mbostore/internal/errors"
	"github.com/xtxerr/mbostore/internal/logging"
	"github.com/xtxerr/mbostore/internal/storage"
	"github.com/xtxerr/mbostore/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	replay := flag.Bool("replay", false, "replay WAL segments left by a previous run")
	debug := flag.Bool("debug", false, "enable debug logging")
	jsonLogs := flag.Bool("json", false, "log as JSON")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	// Logs go to stderr so they do not interleave with command output.
	opts := &slog.HandlerOptions{Level: level, AddSource: *debug}
	if *jsonLogs {
		logging.InitWithHandler(slog.NewJSONHandler(os.Stderr, opts))
	} else {
		logging.InitWithHandler(slog.NewTextHandler(os.Stderr, opts))
	}

	logging.Info("mbostored starting", "version", Version)

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logging.Info("no config file found, using defaults", "path", *cfgPath)
			cfg = config.DefaultConfig()
		} else if errors.IsValidation(err) {
			log.Fatalf("Invalid config %s: %v", *cfgPath, err)
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *replay {
		cfg.Ingestion.WAL.Enabled = true
	}

	svc, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("Create storage: %v", err)
	}
	if err := svc.Start(); err != nil {
		log.Fatalf("Start storage: %v", err)
	}

	if *replay {
		n, err := svc.Replay()
		if err != nil {
			svc.Stop()
			log.Fatalf("Replay WAL: %v", err)
		}
		logging.Info("WAL replay complete", "events", n,
			"high_water", svc.Stats().Partitions.HighWater)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sh := newShell(ctx, svc, os.Stdout)

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logging.Info("shutting down")
		cancel()
		if err := svc.Stop(); err != nil {
			logging.Warn("storage stop", "error", err)
		}
		os.Exit(0)
	}()

	// =========================================================================
	// Run
	// =========================================================================

	if term.IsTerminal(int(os.Stdin.Fd())) {
		runPrompt(sh)
	} else {
		runLines(sh)
	}

	cancel()
	if err := svc.Stop(); err != nil {
		log.Fatalf("Stop storage: %v", err)
	}
}

// runPrompt runs an interactive prompt with command completion.
func runPrompt(sh *shell) {
	p := prompt.New(
		func(line string) { sh.run(line) },
		completer,
		prompt.OptionPrefix("mbostore> "),
		prompt.OptionTitle("mbostored "+Version),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && sh.done()
		}),
	)
	p.Run()
}

// runLines executes one command per stdin line until EOF or exit.
func runLines(sh *shell) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		sh.run(scanner.Text())
		if sh.done() {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
	}
}

func completer(d prompt.Document) []prompt.Suggest {
	// Only the command word is completed.
	before := d.TextBeforeCursor()
	if before == "" || strings.Contains(before, " ") {
		return nil
	}
	suggestions := make([]prompt.Suggest, 0, len(commands))
	for _, c := range commands {
		suggestions = append(suggestions, prompt.Suggest{Text: c.name, Description: c.usage})
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}
