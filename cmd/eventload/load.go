package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tamirms/eventload"
	"github.com/tamirms/eventload/eventstore"
)

func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load FILE",
		Short: "Load every event bank of a container into memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			return runLoad(cmd.Context(), v, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.Int("workers", 0, "bucketing workers; 0 or 1 loads inline")
	f.Bool("precount", false, "reserve bucket capacity before appending")
	f.Bool("split", false, "bucket wide banks as two tasks")
	f.Float64("compress-tol", -1, "merge events whose tofs are within this many microseconds; negative disables")
	f.Float64("tof-min", math.Inf(-1), "drop events with a shorter tof")
	f.Float64("tof-max", math.Inf(1), "drop events with a longer tof")
	f.String("detectors", "", "only load detector ids LO:HI")
	f.Uint32("max-detector-id", 1<<20-1, "largest detector id of the instrument")
	f.Int("chunk", -1, "load only this chunk of every bank; negative loads all")
	f.Uint64("events-per-chunk", 0, "events per chunk, with --chunk")
	f.String("top-entry", eventload.DefaultTopEntry, "group holding the banks")
	f.Bool("legacy-names", false, "read event_pixel_id and event_time_of_flight")
	f.Bool("verify", false, "check container checksums before loading")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address while loading")
	return cmd
}

func runLoad(ctx context.Context, v *viper.Viper, path string, stdout, stderr io.Writer) error {
	logger, err := newLogger(v, stderr)
	if err != nil {
		return err
	}
	opts, err := loadOptions(v)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	opts = append(opts,
		eventload.WithLogger(logger),
		eventload.WithRegisterer(reg),
		eventload.WithProgress(progressLogger{logger}),
	)
	if addr := v.GetString("metrics-addr"); addr != "" {
		stopMetrics := serveMetrics(addr, reg, logger)
		defer stopMetrics()
	}

	store := eventstore.NewRange(0, eventload.DetectorID(v.GetUint32("max-detector-id")))
	res, err := eventload.Load(ctx, path, store, store, opts...)
	if err != nil {
		return err
	}
	printResult(stdout, res, store)
	return nil
}

// loadOptions translates flag values into load options.
func loadOptions(v *viper.Viper) ([]eventload.LoadOption, error) {
	opts := []eventload.LoadOption{
		eventload.WithWorkers(v.GetInt("workers")),
		eventload.WithPrecount(v.GetBool("precount")),
		eventload.WithTopEntry(v.GetString("top-entry")),
	}
	if v.GetBool("split") {
		opts = append(opts, eventload.WithSplitBanks())
	}
	if tol := v.GetFloat64("compress-tol"); tol >= 0 {
		opts = append(opts, eventload.WithCompression(tol))
	}
	if v.IsSet("tof-min") || v.IsSet("tof-max") {
		opts = append(opts, eventload.WithTofWindow(v.GetFloat64("tof-min"), v.GetFloat64("tof-max")))
	}
	if s := v.GetString("detectors"); s != "" {
		lo, hi, err := parseDetectorRange(s)
		if err != nil {
			return nil, err
		}
		opts = append(opts, eventload.WithDetectorRange(lo, hi))
	}
	if chunk := v.GetInt("chunk"); chunk >= 0 {
		opts = append(opts, eventload.WithChunk(chunk, v.GetUint64("events-per-chunk")))
	}
	if v.GetBool("legacy-names") {
		opts = append(opts, eventload.WithLegacyFieldNames())
	}
	if v.GetBool("verify") {
		opts = append(opts, eventload.WithVerify())
	}
	return opts, nil
}

// parseDetectorRange parses "LO:HI".
func parseDetectorRange(s string) (lo, hi eventload.DetectorID, err error) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid detector range %q: want LO:HI", s)
	}
	l, err := strconv.ParseUint(strings.TrimSpace(a), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid detector range %q: %w", s, err)
	}
	h, err := strconv.ParseUint(strings.TrimSpace(b), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid detector range %q: %w", s, err)
	}
	if l > h {
		return 0, 0, fmt.Errorf("invalid detector range %q: %d > %d", s, l, h)
	}
	return eventload.DetectorID(l), eventload.DetectorID(h), nil
}

// serveMetrics serves reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// progressLogger reports load progress at debug level.
type progressLogger struct {
	log *slog.Logger
}

func (p progressLogger) Report(msg string) {
	p.log.Debug(msg)
}

func printResult(w io.Writer, res *eventload.Result, store *eventstore.Store) {
	agg := res.Aggregate
	fmt.Fprintf(w, "load %s\n", res.LoadID)
	fmt.Fprintf(w, "  banks loaded:     %d (%d skipped)\n", res.BanksLoaded, res.BanksSkipped)
	fmt.Fprintf(w, "  tasks:            %d\n", res.Tasks)
	fmt.Fprintf(w, "  pulse sources:    %d\n", res.PulseSources)
	fmt.Fprintf(w, "  events appended:  %d\n", agg.Events)
	fmt.Fprintf(w, "  events stored:    %d\n", store.TotalEvents())
	fmt.Fprintf(w, "  bad tofs:         %d\n", agg.BadTofs)
	fmt.Fprintf(w, "  discarded events: %d\n", agg.DiscardedEvents)
	if agg.HasTofs() {
		fmt.Fprintf(w, "  tof range:        [%g, %g] us\n", agg.ShortestTof, agg.LongestTof)
	}
	if res.Cancelled {
		fmt.Fprintln(w, "  cancelled:        true")
	}
	fmt.Fprintf(w, "  elapsed:          %s\n", res.Elapsed.Round(time.Millisecond))
}
