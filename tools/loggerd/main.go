// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// loggerd runs the logger service that ASan runtimes send their crash reports to.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/syzygy-go/syzygy/logger"
	"github.com/syzygy-go/syzygy/metrics"
	"github.com/syzygy-go/syzygy/metrics/agentmetrics"
	"github.com/syzygy-go/syzygy/periodiccaller"
	"github.com/syzygy-go/syzygy/times"
	"github.com/syzygy-go/syzygy/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1
)

type arguments struct {
	address         string
	textPath        string
	reportsPath     string
	stop            bool
	metricsInterval time.Duration
	verbose         bool
	version         bool
}

func parseArgs() (*arguments, error) {
	args := &arguments{}
	fs := flag.NewFlagSet("loggerd", flag.ExitOnError)
	fs.StringVar(&args.address, "address", "127.0.0.1:8271", "Address to listen on")
	fs.StringVar(&args.textPath, "text", "", "File receiving text reports, stderr if empty")
	fs.StringVar(&args.reportsPath, "reports", "",
		"File receiving one JSON crash report per line, stdout if empty")
	fs.BoolVar(&args.stop, "stop", false, "Ask the service running at address to stop")
	fs.DurationVar(&args.metricsInterval, "metrics-interval", time.Minute,
		"Interval between two metrics collections, 0 to disable")
	fs.BoolVar(&args.verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&args.version, "version", false, "Print the version and exit")

	return args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SYZYGY_LOGGERD"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	)
}

func openOutput(path string, fallback io.Writer) (io.Writer, func(), error) {
	if path == "" {
		return fallback, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// logReporter writes every metrics batch to the debug log.
type logReporter struct {
	names map[uint32]string
}

func newLogReporter() *logReporter {
	r := &logReporter{names: make(map[uint32]string)}
	for _, md := range metrics.GetDefinitions() {
		r.names[uint32(md.ID)] = md.Name
	}
	return r
}

func (r *logReporter) ReportMetrics(timestamp uint32, ids []uint32, values []int64) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(" ")
		}
		name, ok := r.names[id]
		if !ok {
			name = fmt.Sprintf("metric%d", id)
		}
		fmt.Fprintf(&sb, "%s=%d", name, values[i])
	}
	log.Debugf("Metrics at %d: %s", timestamp, sb.String())
}

func stopService(address string, timeout time.Duration) exitCode {
	client, err := logger.Dial(address)
	if err != nil {
		log.Errorf("%v", err)
		return exitFailure
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Stop(ctx); err != nil {
		log.Errorf("Failed to stop the logger at %s: %v", address, err)
		return exitFailure
	}
	return exitSuccess
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		log.Errorf("Failure to parse arguments: %v", err)
		return exitFailure
	}
	if args.version {
		log.Infof("loggerd %s", vc.Version())
		return exitSuccess
	}
	if args.verbose {
		log.SetLevel(log.DebugLevel)
	}
	intervals := times.New(args.metricsInterval, 0)
	if args.stop {
		return stopService(args.address, intervals.GRPCConnectionTimeout())
	}

	text, closeText, err := openOutput(args.textPath, os.Stderr)
	if err != nil {
		log.Errorf("Failed to open text output: %v", err)
		return exitFailure
	}
	defer closeText()
	reports, closeReports, err := openOutput(args.reportsPath, os.Stdout)
	if err != nil {
		log.Errorf("Failed to open report output: %v", err)
		return exitFailure
	}
	defer closeReports()

	ctx, stop := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	defer stop()

	server := logger.NewServer(text, reports, intervals.DrainTimeout())
	if err = server.Start(ctx, args.address); err != nil {
		log.Errorf("%v", err)
		return exitFailure
	}
	log.Infof("Logger listening on %v", server.Addr())

	if intervals.MetricsInterval() > 0 {
		metrics.SetReporter(newLogReporter())
		stopAgent, err := agentmetrics.Start(ctx, intervals.MetricsInterval())
		if err != nil {
			log.Warnf("Agent metrics disabled: %v", err)
		} else {
			defer stopAgent()
		}

		// SIGHUP collects and reports the metrics right away.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, unix.SIGHUP)
		defer signal.Stop(hup)
		trigger := make(chan bool)
		go func() {
			for {
				select {
				case <-hup:
					select {
					case trigger <- true:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		defer periodiccaller.StartWithManualTrigger(ctx, intervals.MetricsInterval(), trigger,
			func(manual bool) {
				server.CollectMetrics()
				if manual {
					metrics.Flush()
				}
			})()
	}

	if err = server.RunToCompletion(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Logger stopped: %v", err)
		return exitFailure
	}
	log.Infof("Logger stopped")
	return exitSuccess
}

func main() {
	log.SetFormatter(&log.TextFormatter{})
	os.Exit(int(mainWithExitCode()))
}
