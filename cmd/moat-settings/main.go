// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// moat-settings asks Tor's Moat service for the bridges recommended in a country.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/Jigsaw-Code/outline-moat/fronting"
	"github.com/Jigsaw-Code/outline-moat/moat"
	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

func init() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags...]\n", path.Base(os.Args[0]))
		pflag.PrintDefaults()
	}
}

type frontAttempt struct {
	group string
	front fronting.Config
}

// frontAttempts lists the fronts to try in order, restricted to one group when name is set.
func frontAttempts(cfg *moat.FileConfig, name string) ([]frontAttempt, error) {
	groups := cfg.Fronts
	if name != "" {
		group, ok := cfg.Group(name)
		if !ok {
			return nil, fmt.Errorf("no front named %q", name)
		}
		groups = []moat.FrontGroup{group}
	}
	var attempts []frontAttempt
	for _, group := range groups {
		for _, front := range group.Configs() {
			attempts = append(attempts, frontAttempt{group: group.Name, front: front})
		}
	}
	if len(attempts) == 0 {
		return nil, errors.New("no fronts configured")
	}
	return attempts, nil
}

func printBridges(w io.Writer, bridges []moat.BridgeDescriptor) {
	if len(bridges) == 0 {
		fmt.Fprintln(w, "# no bridges needed")
		return
	}
	for i, b := range bridges {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "# %v (%v)\n", b.Type, b.Source)
		for _, line := range b.BridgeLines {
			fmt.Fprintln(w, line)
		}
	}
}

func main() {
	verboseFlag := pflag.BoolP("verbose", "v", false, "Enable debug output")
	configFlag := pflag.String("config", "", "YAML configuration file")
	executableFlag := pflag.String("executable", "", "Transport executable with meek_lite support, such as lyrebird")
	stateDirFlag := pflag.String("state-dir", "", "Transport state directory. A temporary directory is used if empty")
	countryFlag := pflag.String("country", "", "Two-letter country code. Empty lets the service decide")
	frontFlag := pflag.String("front", "", "Only try the front group with this name (fastly, azure, cdn77 by default)")
	trustFallbackFlag := pflag.Bool("trust-fallback", false, "Also accept certificates issued under ISRG Root X1")
	readyTimeoutFlag := pflag.Duration("ready-timeout", 0, "How long to wait for the transport to start")
	pflag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))

	cfg := &moat.FileConfig{Fronts: moat.DefaultFronts()}
	if *configFlag != "" {
		data, err := os.ReadFile(*configFlag)
		if err != nil {
			slog.Error("Failed to read config", "error", err)
			os.Exit(1)
		}
		if cfg, err = moat.ParseFileConfig(data); err != nil {
			slog.Error("Failed to parse config", "error", err)
			os.Exit(1)
		}
	}
	pflag.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "executable":
			cfg.Executable = *executableFlag
		case "state-dir":
			cfg.StateDir = *stateDirFlag
		case "country":
			cfg.Country = *countryFlag
		case "trust-fallback":
			cfg.TrustFallback = *trustFallbackFlag
		case "ready-timeout":
			cfg.ReadyTimeout = *readyTimeoutFlag
		}
	})
	if cfg.Executable == "" {
		slog.Error("Need the transport executable, with --executable or in the config")
		pflag.Usage()
		os.Exit(1)
	}
	attempts, err := frontAttempts(cfg, *frontFlag)
	if err != nil {
		slog.Error("Invalid front", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	bridges, err := fetch(ctx, cfg, attempts)
	stop()
	if err != nil {
		slog.Error("Failed to fetch settings", "error", err)
		os.Exit(1)
	}
	printBridges(os.Stdout, bridges)
}

// fetch tries each front in order and returns the first answer.
func fetch(ctx context.Context, cfg *moat.FileConfig, attempts []frontAttempt) ([]moat.BridgeDescriptor, error) {
	if cfg.StateDir == "" {
		dir, err := os.MkdirTemp("", "moat-settings-")
		if err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		defer os.RemoveAll(dir)
		cfg.StateDir = dir
	}

	var errs []error
	for _, attempt := range attempts {
		client, err := moat.NewClient(cfg.Options(attempt.front))
		if err != nil {
			return nil, err
		}
		start := time.Now()
		bridges, err := client.Fetch(ctx, cfg.Country)
		if err == nil {
			slog.Info("Fetched settings", "group", attempt.group, "front", attempt.front.Front, "elapsed", time.Since(start))
			return bridges, nil
		}
		slog.Warn("Fetch failed", "group", attempt.group, "front", attempt.front.Front, "elapsed", time.Since(start), "error", err)
		errs = append(errs, fmt.Errorf("%v via %v: %w", attempt.group, attempt.front.Front, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
