package main

import (
	"fmt"
	"os"
	"path/filepath"

	parley "github.com/parleyhq/parley-go"
	"github.com/rs/zerolog"
)

// cliLogger builds a console logger; --verbose lowers the level to debug.
func cliLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// engineOptions translates the config file into engine options.
func engineOptions(cfg *Config, realtime bool) ([]parley.Option, error) {
	var opts []parley.Option
	if cfg.Default.BaseURL != "" {
		opts = append(opts, parley.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, parley.WithEnvironment(parley.Environment(cfg.Default.Environment)))
	}

	storePath := cfg.Sync.StorePath
	if storePath == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		storePath = filepath.Join(dir, "parley.db")
	}
	opts = append(opts, parley.WithStorePath(storePath))
	opts = append(opts, parley.WithLogger(cliLogger()))

	if !realtime {
		opts = append(opts, parley.WithoutRealtime())
	}
	return opts, nil
}

// getEngine builds a poll-only engine for one-shot commands.
func getEngine() *parley.Engine {
	return buildEngine(false)
}

// getRealtimeEngine builds an engine with the realtime channel enabled.
func getRealtimeEngine() *parley.Engine {
	return buildEngine(true)
}

func buildEngine(realtime bool) *parley.Engine {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No API key. Run 'parley init <api-key>' first.")
		os.Exit(1)
	}

	opts, err := engineOptions(cfg, realtime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build engine options: %v\n", err)
		os.Exit(1)
	}
	eng, err := parley.NewEngine(cfg.Default.APIKey, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open local store: %v\n", err)
		os.Exit(1)
	}
	return eng
}
