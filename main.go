package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/grafana/tracedupe/dedup"
	"github.com/grafana/tracedupe/export"
	"github.com/grafana/tracedupe/jaeger"
	"github.com/grafana/tracedupe/model"
	"github.com/grafana/tracedupe/report"
)

func main() {
	err := run()
	if err != nil {
		fmt.Println(color.RedString(err.Error()))
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a yaml file with tolerances and comparison rules")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	debugLog := flag.String("debug-log", "", "write debug logs to this file instead of stderr")
	noColor := flag.Bool("no-color", false, "disable colored output")
	exportDir := flag.String("export-dir", "", "write each cluster as a synthetic Jaeger trace into this directory")
	otlpDir := flag.String("otlp-dir", "", "write the synthetic traces as OTLP JSON into this directory")
	otlpEndpoint := flag.String("otlp-endpoint", "", "replay the synthetic traces to this OTLP endpoint")
	otlpInsecure := flag.Bool("otlp-insecure", false, "disable TLS for the OTLP replay")
	flag.Parse()

	if flag.NArg() < 1 {
		return errors.New("you must pass a path to a Jaeger JSON trace file")
	}
	if *noColor {
		color.NoColor = true
	}

	log, closeLog, err := newLogger(*verbose, *debugLog)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := model.Load(*configPath)
	if err != nil {
		return err
	}
	if *exportDir != "" {
		cfg.Export.Dir = *exportDir
	}
	if *otlpDir != "" {
		cfg.Export.OTLPDir = *otlpDir
	}
	if *otlpEndpoint != "" {
		cfg.Export.Endpoint = *otlpEndpoint
	}
	if *otlpInsecure {
		cfg.Export.Insecure = true
	}

	tracePath := flag.Arg(0)
	trace, err := jaeger.NewReader(log).ReadFile(tracePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", tracePath, err)
	}

	result := dedup.Analyze(trace, cfg, log)

	if err := report.NewRenderer(cfg.Report, log).Render(os.Stdout, result); err != nil {
		return err
	}

	return exportClusters(cfg, result, log)
}

// exportClusters writes and/or replays one synthetic trace per cluster,
// depending on which export targets are configured.
func exportClusters(cfg model.Config, res *dedup.Result, log *slog.Logger) error {
	e := cfg.Export
	if e.Dir == "" && e.OTLPDir == "" && e.Endpoint == "" {
		return nil
	}

	var synthetic []*jaeger.Trace
	for _, g := range res.Groups {
		for _, c := range g.Clusters {
			synthetic = append(synthetic, export.SyntheticTrace(res, g, c))
		}
	}
	if len(synthetic) == 0 {
		log.Info("no clusters to export")
		return nil
	}

	if e.Dir != "" {
		for _, t := range synthetic {
			if _, err := export.WriteJaegerFile(e.Dir, t, log); err != nil {
				return err
			}
		}
	}
	if e.OTLPDir != "" {
		converted := make([]ptrace.Traces, 0, len(synthetic))
		for _, t := range synthetic {
			converted = append(converted, export.ToPTrace(t))
		}
		if _, err := export.WriteOTLPFile(e.OTLPDir, "clusters.json", converted, log); err != nil {
			return err
		}
	}
	if e.Endpoint != "" {
		return export.NewReplayer(e, log).Replay(context.Background(), synthetic)
	}
	return nil
}

func newLogger(verbose bool, debugFile string) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if debugFile != "" {
		f, err := os.Create(debugFile)
		if err != nil {
			return nil, nil, err
		}
		log := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		return log, func() { f.Close() }, nil
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return log, func() {}, nil
}
