// Command enricher runs HTTP enrichment sources over records read from a CSV file or a
// Kafka topic and writes the enriched records to the configured sink.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/palantir/palantir-compute-module-http-enrichment/internal/app"
	"github.com/palantir/palantir-compute-module-http-enrichment/internal/logger"
	"github.com/palantir/palantir-compute-module-http-enrichment/internal/version"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/metrics"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
	kafkaio "github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/io/kafka"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/io/local"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/redact"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/sink"
)

// Exit codes
const (
	exitOK          = 0
	exitConfigError = 2
	exitRunError    = 1
)

type globalFlags struct {
	configPath  string
	envFile     string
	logLevel    string
	logFormat   string
	metricsAddr string
	sinkType    string
}

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error { return &exitError{code: exitConfigError, err: err} }
func runErr(err error) error    { return &exitError{code: exitRunError, err: err} }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	_, _ = fmt.Fprintf(os.Stderr, "%s\n", redact.Secrets(err.Error()))
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitConfigError
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:     "enricher",
		Short:   "Enrich records by calling HTTP endpoints",
		Version: version.Current,
		Long: `enricher calls one HTTP endpoint per record and source, maps values out of the
JSON responses into output columns and writes enriched records to a sink.

Examples:
  enricher validate --config enricher.yaml
  enricher local --config enricher.yaml --input orders.csv --sink log
  enricher kafka --config enricher.yaml --topic orders --group enricher`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if g.envFile == "" {
				return nil
			}
			// A missing .env is fine; variables may come from the real environment.
			if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return configErr(fmt.Errorf("load %s: %w", g.envFile, err))
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Configuration file (env: ENRICHER_CONFIG, default enricher.yaml)")
	pf.StringVar(&g.envFile, "env-file", ".env", "Dotenv file loaded before reading the environment, empty disables")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (env: LOG_LEVEL)")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: json or console (env: LOG_FORMAT)")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, empty disables (env: METRICS_ADDR)")
	pf.StringVar(&g.sinkType, "sink", "", "Override sink.type from the configuration")

	root.AddCommand(newValidateCmd(g), newLocalCmd(g), newKafkaCmd(g))
	return root
}

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, log, err := setup(g)
			if err != nil {
				return err
			}
			r, err := app.NewRunner(f, sink.NewLog(log), app.Options{Logger: log})
			if err != nil {
				return configErr(err)
			}
			defer func() { _ = r.Close() }()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "config OK: sources=%d input=%v output=%v\n",
				len(f.Sources), r.Index().InputNames(), r.Index().OutputNames())
			return nil
		},
	}
}

func newLocalCmd(g *globalFlags) *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Enrich records from a local CSV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if inputPath == "" {
				return configErr(errors.New("local requires --input"))
			}
			f, log, err := setup(g)
			if err != nil {
				return err
			}
			fh, err := os.Open(inputPath)
			if err != nil {
				return configErr(err)
			}
			src, err := local.NewCSVSource(fh, f.Input.Fields)
			if err != nil {
				_ = fh.Close()
				return configErr(fmt.Errorf("%s: %w", inputPath, err))
			}
			return run(cmd.Context(), g, f, log, src)
		},
	}
	cmd.Flags().StringVar(&inputPath, "input", "", "Input CSV file (header row must name every input field)")
	return cmd
}

func newKafkaCmd(g *globalFlags) *cobra.Command {
	var cfg kafkaio.Config
	cmd := &cobra.Command{
		Use:   "kafka",
		Short: "Enrich records consumed from a Kafka topic until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, log, err := setup(g)
			if err != nil {
				return err
			}
			if len(cfg.Brokers) == 0 {
				cfg.Brokers = app.EnvList("KAFKA_BROKERS")
			}
			if cfg.Topic == "" {
				cfg.Topic = app.EnvString("KAFKA_TOPIC", "")
			}
			if cfg.GroupID == "" {
				cfg.GroupID = app.EnvString("KAFKA_GROUP_ID", "http-enricher")
			}
			reader, err := kafkaio.NewReader(cfg)
			if err != nil {
				return configErr(err)
			}
			src := kafkaio.NewSource(reader, f.Input.Fields, log)
			return run(cmd.Context(), g, f, log, src)
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVar(&cfg.Brokers, "brokers", nil, "Kafka brokers (env: KAFKA_BROKERS)")
	fl.StringVar(&cfg.Topic, "topic", "", "Input topic (env: KAFKA_TOPIC)")
	fl.StringVar(&cfg.GroupID, "group", "", "Consumer group (env: KAFKA_GROUP_ID, default http-enricher)")
	return cmd
}

// setup loads configuration and builds the logger. Flags win over the environment, which is
// read only here so that values from the .env file apply.
func setup(g *globalFlags) (*app.File, zerolog.Logger, error) {
	if g.configPath == "" {
		g.configPath = app.EnvString("ENRICHER_CONFIG", "enricher.yaml")
	}
	level := g.logLevel
	if level == "" {
		level = app.EnvString("LOG_LEVEL", "info")
	}
	format := g.logFormat
	if format == "" {
		format = app.EnvString("LOG_FORMAT", logger.FormatJSON)
	}
	log, err := logger.New(level, format, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), configErr(err)
	}
	if g.metricsAddr == "" {
		g.metricsAddr = app.EnvString("METRICS_ADDR", "")
	}

	f, err := app.LoadFilePath(g.configPath)
	if err != nil {
		return nil, log, configErr(err)
	}
	if err := f.ApplyEnv(); err != nil {
		return nil, log, configErr(err)
	}
	if g.sinkType != "" {
		f.Sink.Type = g.sinkType
	}
	if err := f.Validate(); err != nil {
		return nil, log, configErr(err)
	}
	return f, log, nil
}

func run(ctx context.Context, g *globalFlags, f *app.File, log zerolog.Logger, src core.RecordSource) error {
	defer func() { _ = src.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := metrics.NewPrometheus(reg)
	if err != nil {
		return runErr(err)
	}
	counts := metrics.NewRegistry()

	out, err := sink.Build(ctx, f.Sink, log)
	if err != nil {
		return configErr(fmt.Errorf("build sink: %w", err))
	}
	var errOut core.RecordSink
	if f.ErrorSink != nil {
		if errOut, err = sink.Build(ctx, *f.ErrorSink, log); err != nil {
			_ = out.Close()
			return configErr(fmt.Errorf("build error sink: %w", err))
		}
	}
	log.Info().Interface("sink", f.Sink.Telemetry()).Str("version", version.Current).Msg("sink ready")

	r, err := app.NewRunner(f, out, app.Options{
		Logger:    log,
		Metrics:   metrics.Multi{counts, prom},
		ErrorSink: errOut,
	})
	if err != nil {
		_ = out.Close()
		if errOut != nil {
			_ = errOut.Close()
		}
		return configErr(err)
	}
	defer func() { _ = r.Close() }()
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "enrichment_inflight_requests",
		Help: "HTTP enrichment calls currently running across all sources.",
	}, func() float64 { return float64(r.InFlight()) }))

	eg, egctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(egctx)
	defer cancelRun()
	if g.metricsAddr != "" {
		srv := &http.Server{
			Addr:              g.metricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		eg.Go(func() error {
			log.Info().Str("addr", g.metricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		defer cancelRun()
		_, err := r.Run(runCtx, src)
		if err != nil && ctx.Err() != nil {
			// Interrupted: unacknowledged records are redelivered on the next run.
			return nil
		}
		return err
	})
	err = eg.Wait()

	for _, group := range counts.Groups() {
		s := counts.Summary(group, metrics.HistogramResponseTime)
		log.Info().Str("source", group).
			Int64("success", counts.Count(group, metrics.EventSuccess)).
			Int64("total_failed", counts.Count(group, metrics.EventTotalFailed)).
			Dur("mean_latency", s.Mean()).
			Msg("source summary")
	}
	if err != nil {
		return runErr(err)
	}
	return nil
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
