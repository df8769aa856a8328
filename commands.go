// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

type globalOptions struct {
	configPath string
	debug      bool
}

func commands(opts *globalOptions) []subcommands.Command {
	return []subcommands.Command{
		&runCmd{opts: opts},
		&onceCmd{opts: opts},
		&devicesCmd{opts: opts},
		&removeCmd{opts: opts},
		&versionCmd{},
	}
}

// app holds the wiring shared by every subcommand
type app struct {
	cfg         *Config
	logger      *Logger
	store       Store
	accumulator *Accumulator
	index       *EntryIndex
	metrics     *Metrics
}

func loadConfig(opts *globalOptions) (*Config, error) {
	cfg, err := LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	if opts.debug {
		cfg.Debug = true
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func newLogger(cfg *Config) *Logger {
	if cfg.JSONLogs {
		return NewJSONLogger(cfg.Debug)
	}
	return NewLogger(cfg.Debug)
}

// setup opens storage and builds the accumulator and index. validate is off for
// commands that must work on instances no longer in the config.
func setup(ctx context.Context, opts *globalOptions, validate bool) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)
	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	acc := NewAccumulator(store, nil, loc, logger)
	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		accumulator: acc,
		index:       NewEntryIndex(store, acc, logger),
		metrics:     NewMetrics(),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", "error", err.Error())
	}
}

func (a *app) coordinators() ([]*Coordinator, error) {
	out := make([]*Coordinator, 0, len(a.cfg.Instances))
	for _, inst := range a.cfg.Instances {
		client, err := NewPortalClient(a.cfg.BaseURL, inst.Username, inst.Password, a.logger, a.cfg.Debug)
		if err != nil {
			return nil, err
		}
		out = append(out, NewCoordinator(inst, client, CoordinatorOptions{
			Accumulator: a.accumulator,
			Index:       a.index,
			Metrics:     a.metrics,
			Logger:      a.logger,
			Interval:    a.cfg.Interval(),
		}))
	}
	return out, nil
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, err)
	return subcommands.ExitFailure
}

type runCmd struct {
	opts *globalOptions
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "poll every configured device until interrupted" }
func (*runCmd) Usage() string {
	return `evodnik [-config <file>] run

  Polls the portal on the configured interval, keeps the cumulative totals in
  storage and serves the dashboard, metrics and health endpoints if enabled.
`
}
func (*runCmd) SetFlags(*flag.FlagSet) {}

func (c *runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, c.opts, true)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	coords, err := a.coordinators()
	if err != nil {
		return fail(err)
	}

	ids := make([]string, 0, len(coords))
	for _, co := range coords {
		ids = append(ids, co.Instance().ID)
	}
	health := NewHealthReporter(ids, a.logger)
	for _, co := range coords {
		co.OnUpdate(health.Update)
	}

	a.logger.Info("Starting evodnik",
		"version", GetVersion(),
		"instances", len(coords),
		"interval", a.cfg.Interval().String(),
		"storage", a.cfg.Storage.Backend,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, co := range coords {
		g.Go(func() error { return co.Start(gctx) })
	}

	if a.cfg.WebUI {
		ws := NewWebServer(coords, a.metrics, health, a.cfg.WebPort, a.logger)
		g.Go(ws.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			return ws.Shutdown(sctx)
		})
	}
	if a.cfg.GRPCPort > 0 {
		g.Go(func() error { return health.Serve(gctx, a.cfg.GRPCPort) })
	}

	if err := g.Wait(); err != nil {
		return fail(err)
	}
	a.logger.Info("Stopped")
	return subcommands.ExitSuccess
}

type onceCmd struct {
	opts *globalOptions
}

func (*onceCmd) Name() string     { return "once" }
func (*onceCmd) Synopsis() string { return "refresh every device once and print its sensors" }
func (*onceCmd) Usage() string {
	return `evodnik [-config <file>] once
`
}
func (*onceCmd) SetFlags(*flag.FlagSet) {}

func (c *onceCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := setup(ctx, c.opts, true)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	coords, err := a.coordinators()
	if err != nil {
		return fail(err)
	}

	status := subcommands.ExitSuccess
	for _, co := range coords {
		if _, err := co.Refresh(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			status = subcommands.ExitFailure
			continue
		}
		printSensors(os.Stdout, co)
	}
	return status
}

func printSensors(w io.Writer, co *Coordinator) {
	inst := co.Instance()
	fmt.Fprintf(w, "%s (%s)\n", inst.DeviceName, inst.ID)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range co.Sensors() {
		if s.Key == "raw" {
			continue
		}
		fmt.Fprintf(tw, "  %s\t%s\n", s.Name, displayValue(s.State, s.Unit))
	}
	tw.Flush()
}

type devicesCmd struct {
	opts *globalOptions
}

func (*devicesCmd) Name() string     { return "devices" }
func (*devicesCmd) Synopsis() string { return "log in and list the devices of the account" }
func (*devicesCmd) Usage() string {
	return `evodnik [-config <file>] devices

  Uses the top-level username and password (or EVODNIK_USERNAME and
  EVODNIK_PASSWORD) and prints the device ids to put into the config.
`
}
func (*devicesCmd) SetFlags(*flag.FlagSet) {}

func (c *devicesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(c.opts)
	if err != nil {
		return fail(err)
	}
	if cfg.Username == "" || cfg.Password == "" {
		return fail(&ValidationError{Field: "username", Message: "username and password are required"})
	}

	client, err := NewPortalClient(cfg.BaseURL, cfg.Username, cfg.Password, newLogger(cfg), cfg.Debug)
	if err != nil {
		return fail(err)
	}
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	if err := client.Login(ctx); err != nil {
		return fail(err)
	}
	devices, err := client.GetDeviceList(ctx)
	if err != nil {
		return fail(err)
	}
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return subcommands.ExitSuccess
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE ID\tNAME")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\n", d.ID(), d.Label())
	}
	tw.Flush()
	return subcommands.ExitSuccess
}

type removeCmd struct {
	opts     *globalOptions
	instance string
}

func (*removeCmd) Name() string     { return "remove" }
func (*removeCmd) Synopsis() string { return "forget an instance and, if unshared, its meter total" }
func (*removeCmd) Usage() string {
	return `evodnik [-config <file>] remove -instance <id>

  Removes the instance from the entry index. The meter's accumulated total is
  deleted only when no other instance reads the same meter.

  Stop a running "evodnik run" first: the daemon keeps its own copy of the
  totals and would write the removed record back on its next poll.
`
}

func (c *removeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.instance, "instance", "", "Instance id to remove")
}

func (c *removeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.instance == "" {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}

	a, err := setup(ctx, c.opts, false)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	meterID, deleted, err := a.index.Remove(ctx, c.instance)
	if err != nil {
		return fail(err)
	}
	a.metrics.ForgetInstance(c.instance)

	switch {
	case meterID == "":
		fmt.Printf("Instance %s was not indexed\n", c.instance)
	case deleted:
		fmt.Printf("Removed %s and the total of meter %s\n", c.instance, meterID)
	default:
		fmt.Printf("Removed %s; meter %s is still used by another instance\n", c.instance, meterID)
	}
	return subcommands.ExitSuccess
}

type versionCmd struct {
	since string
}

func (*versionCmd) Name() string     { return "version" }
func (*versionCmd) Synopsis() string { return "print version information" }
func (*versionCmd) Usage() string    { return "evodnik version [-since <vX.Y.Z>]\n" }

func (c *versionCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.since, "since", "", "Also report whether this build is newer than the given release")
}

func (c *versionCmd) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	printVersion(os.Stdout, c.since)
	return subcommands.ExitSuccess
}

func printVersion(w io.Writer, since string) {
	fmt.Fprintf(w, "evodnik %s\n", GetVersion())
	fmt.Fprintf(w, "User-Agent: %s\n", GetUserAgent())
	if !IsRelease() {
		fmt.Fprintln(w, "Development build")
	}
	if since == "" {
		return
	}
	if NewerThan(since) {
		fmt.Fprintf(w, "Newer than %s\n", since)
	} else {
		fmt.Fprintf(w, "Not newer than %s\n", since)
	}
}
