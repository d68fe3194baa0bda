// spanzload generates synthetic span load against a spanz tracer and
// prints the per-operation statistics it collected.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/peterbourgon/ff/v4/ffval"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bangush/spanz"
	"github.com/bangush/spanz/logspanz"
)

func main() {
	var (
		ctx    = context.Background()
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type loadConfig struct {
	workers   int
	ops       int
	errorRate float64
	maxCost   time.Duration
	period    time.Duration
	logLevel  string
	json      bool
}

func (cfg *loadConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'w', LongName: "workers" /*    */, Value: ffval.NewValueDefault(&cfg.workers, 8) /*                  */, Usage: "concurrent load workers"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'n', LongName: "ops" /*        */, Value: ffval.NewValueDefault(&cfg.ops, 1000) /*                   */, Usage: "spans finished per worker"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'e', LongName: "error-rate" /* */, Value: ffval.NewValueDefault(&cfg.errorRate, 0.05) /*           */, Usage: "fraction of spans that fail, 0..1"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'c', LongName: "max-cost" /*   */, Value: ffval.NewValueDefault(&cfg.maxCost, 250*time.Millisecond) /* */, Usage: "upper bound of the synthetic span cost"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'p', LongName: "period" /*     */, Value: ffval.NewValueDefault(&cfg.period, time.Second) /*         */, Usage: "reporting period, overrides SPANZ_PERIOD"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'l', LongName: "log" /*        */, Value: ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "none", "n"), Usage: "log level: i/info, d/debug, n/none", Placeholder: "LEVEL"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'j', LongName: "json" /*       */, Value: ffval.NewValue(&cfg.json) /*                               */, Usage: "print the collected reports as JSON", NoDefault: true})
}

func (cfg *loadConfig) validate() error {
	switch {
	case cfg.workers <= 0:
		return fmt.Errorf("workers must be positive, got %d", cfg.workers)
	case cfg.ops < 0:
		return fmt.Errorf("ops must not be negative, got %d", cfg.ops)
	case cfg.errorRate < 0 || cfg.errorRate > 1:
		return fmt.Errorf("error rate must be within 0..1, got %v", cfg.errorRate)
	case cfg.maxCost <= 0:
		return fmt.Errorf("max cost must be positive, got %s", cfg.maxCost)
	case cfg.period <= 0:
		return fmt.Errorf("period must be positive, got %s", cfg.period)
	}
	return nil
}

func exec(ctx context.Context, stdout, stderr io.Writer, args []string) (err error) {
	var cfg loadConfig
	fs := ff.NewFlagSet("spanzload")
	cfg.register(fs)
	cmd := &ff.Command{
		Name:      "spanzload",
		ShortHelp: "generate span load and print per-operation statistics",
		LongHelp:  "Tracer caps are read from SPANZ_MAX_SAMPLES and SPANZ_MAX_ERRORS.",
		Flags:     fs,
	}

	// Print help when appropriate.
	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(cmd))
		}
		if errHelp {
			err = nil
		}
	}()

	if err := cmd.Parse(args, ff.WithEnvVarPrefix("SPANZLOAD")); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	tracerConfig, err := spanz.LoadConfig(ctx)
	if err != nil {
		return err
	}
	tracerConfig.Period = cfg.period

	// Run errors shouldn't show help by default.
	showHelp = false

	logger, flushLogs := newLogger(stderr, cfg.logLevel)
	defer flushLogs()

	tracer := spanz.New(spanz.WithConfig(tracerConfig), spanz.WithLogger(logger))
	collector := spanz.NewCollector(64)
	collector.SetSyncMode(true)
	defer collector.Close()
	tracer.OnReport(collector.Handle)
	tracer.OnReport(logspanz.Handler(logger.WithName("report")))

	logger.Info("starting load",
		"workers", cfg.workers,
		"ops", cfg.ops,
		"error_rate", cfg.errorRate,
		"max_samples", tracerConfig.MaxSamples,
		"max_errors", tracerConfig.MaxErrors,
		"period", tracerConfig.Period.String(),
	)

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return generateLoad(ctx, tracer, cfg)
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			if err := tracer.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}
	runErr := g.Run()

	if err := tracer.Close(); err != nil {
		logger.Error(err, "close tracer")
	}

	reports := collector.Export()
	if cfg.json {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return fmt.Errorf("encode reports: %w", err)
		}
	} else {
		writeSummary(stdout, reports)
	}

	return runErr
}

func newLogger(w io.Writer, level string) (logr.Logger, func()) {
	var zl zapcore.Level
	switch level {
	case "n", "none":
		return logr.Discard(), func() {}
	case "d", "debug":
		zl = zapcore.DebugLevel
	default:
		zl = zapcore.InfoLevel
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(w),
		zl,
	)
	z := zap.New(core)
	return zapr.NewLogger(z), func() { _ = z.Sync() }
}

// summary totals every report by operation name.
type summary struct {
	name    string
	total   int64
	errors  int64
	cost    int64
	maxCost int32
}

func summarize(reports []spanz.Report) []summary {
	index := map[string]int{}
	var out []summary
	for _, r := range reports {
		for _, b := range r.Builders {
			i, ok := index[b.Name]
			if !ok {
				i = len(out)
				index[b.Name] = i
				out = append(out, summary{name: b.Name})
			}
			s := &out[i]
			s.total += int64(b.Total)
			s.errors += int64(b.Errors)
			s.cost += b.Cost
			if b.MaxCost > s.maxCost {
				s.maxCost = b.MaxCost
			}
		}
	}
	return out
}

func writeSummary(w io.Writer, reports []spanz.Report) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "OPERATION\tTOTAL\tERRORS\tAVG\tMAX\n")
	for _, s := range summarize(reports) {
		var avg time.Duration
		if s.total > 0 {
			avg = time.Duration(s.cost/s.total) * time.Millisecond
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", s.name, s.total, s.errors, avg, time.Duration(s.maxCost)*time.Millisecond)
	}
	tw.Flush()
}
