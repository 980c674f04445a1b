package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	opflow "github.com/opflow-labs/opflow/pkg/opflow/v1"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	opflowlog "github.com/opflow-labs/opflow/pkg/opflow/v1/log"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"

	"github.com/opflow-labs/opflow/internal/config"
	"github.com/opflow-labs/opflow/internal/engine"
	"github.com/opflow-labs/opflow/internal/events"
	"github.com/opflow-labs/opflow/internal/logger"
	"github.com/opflow-labs/opflow/internal/metrics"
	"github.com/opflow-labs/opflow/internal/registry"
	"github.com/opflow-labs/opflow/internal/secrets"
	"github.com/opflow-labs/opflow/internal/state"
	"github.com/opflow-labs/opflow/internal/template"
	"github.com/opflow-labs/opflow/internal/tracing"

	commandmod "github.com/opflow-labs/opflow/modules/command"
	"github.com/opflow-labs/opflow/modules/setfact"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitUsageError = 2
	ExitTimeout    = 124
	exitSignalBase = 128

	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultWorkers      = 4
	defaultEventBufSize = 256
)

// defaultRedactedKeywords is the built-in scrub list; the -redact flag
// appends to it.
var defaultRedactedKeywords = []string{"password", "token", "secret", "apikey", "privatekey", "authorization", "bearer"}

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func printVersion() {
	fmt.Printf("opflow version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
	fmt.Printf("go version: %s\n", runtime.Version())
	fmt.Printf("os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func run(args []string) int {
	flags := flag.NewFlagSet("opflow", flag.ContinueOnError)
	operationPath := flags.String("operation", "", "Path to the operation manifest YAML file (required)")
	validateOnly := flags.Bool("validate-only", false, "Validate the manifest and exit without executing anything")
	dryRun := flags.Bool("dry-run", false, "Run every module in dry-run mode: report intended work, perform none of it")
	workers := flags.Int("workers", defaultWorkers, "Maximum modules of one batch executing concurrently (<= 0 selects the CPU count)")
	moduleTimeout := flags.Duration("module-timeout", 0, "Default per-module execution timeout (0 disables it)")
	runTimeout := flags.Duration("timeout", 0, "Overall operation deadline (0 disables it)")
	logLevel := flags.String("log-level", defaultLogLevel, "Log level (debug, info, warn, error)")
	logFormat := flags.String("log-format", defaultLogFormat, "Log format (text, json)")
	redact := flags.String("redact", "", "Comma-separated keywords scrubbed from logs and reports, added to the built-in set")
	dumpMetrics := flags.Bool("dump-metrics", false, "Print collected Prometheus metrics to stderr after the run")
	versionFlag := flags.Bool("version", false, "Print version information and exit")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -operation <path> [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Executes an opflow operation manifest.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return ExitUsageError
	}

	if *versionFlag {
		printVersion()
		return ExitSuccess
	}
	if *operationPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -operation flag is required")
		flags.Usage()
		return ExitUsageError
	}
	if *logFormat != "text" && *logFormat != "json" {
		fmt.Fprintln(os.Stderr, "Error: -log-format must be 'text' or 'json'")
		return ExitUsageError
	}

	log := logger.NewLogger(*logLevel, *logFormat, os.Stderr).With("opflow_version", version)

	log.Infof("Loading operation manifest: %s", *operationPath)
	manifest, err := config.LoadManifestFromFile(*operationPath)
	if err != nil {
		logManifestError(log, *operationPath, err)
		return ExitFailure
	}

	if *validateOnly {
		log.Infof("Manifest validation successful: %s (%d modules)", *operationPath, len(manifest.Modules))
		return ExitSuccess
	}

	keywords := redactionKeywords(*redact)

	store := state.NewMemoryStoreWithMode(state.AccessMode(manifest.EffectiveAccessMode()))
	eventBus := events.NewChannelEventBus(defaultEventBufSize, log)
	defer eventBus.Close()

	secretsProvider := secrets.NewEnvProvider()
	tracker := secrets.NewSecretTracker()
	metricsProvider := metrics.NewPrometheusRegistryProvider()

	tracerProvider, err := tracing.NewProviderFromEnv(context.Background(), log)
	if err != nil {
		log.Warnf("Failed to initialize tracing from environment: %v. Using NoOp tracer.", err)
		tracerProvider, _ = tracing.NewNoOpProvider()
	}

	eng, err := engine.NewEngine(log,
		opflow.WithContextStore(store),
		opflow.WithEventBus(eventBus),
		opflow.WithMetricsRegistryProvider(metricsProvider),
		opflow.WithTracerProvider(tracerProvider),
		opflow.WithWorkerPoolSize(*workers),
		opflow.WithDefaultModuleTimeout(*moduleTimeout),
		opflow.WithRedactedKeywords(keywords),
	)
	if err != nil {
		log.Errorf("Failed to create opflow engine: %v", err)
		return ExitFailure
	}

	renderer := template.NewRenderer(secretsProvider, eventBus, tracker)

	reg := registry.New()
	reg.MustRegister("command", commandmod.NewFactory(nil))
	reg.MustRegister("set_fact", setfact.NewFactory())

	op, err := reg.BuildOperation(manifest, registry.BuildDeps{
		Log:              log,
		Secrets:          secretsProvider,
		Tracker:          tracker,
		Renderer:         renderer,
		RedactedKeywords: keywordSet(keywords),
	})
	if err != nil {
		log.Errorf("Failed to build operation from manifest: %v", err)
		return ExitFailure
	}

	ctx := context.Background()
	if *dryRun {
		ctx = context.WithValue(ctx, module.DryRunKey{}, true)
		log.Infof("Dry-run mode enabled.")
	}

	var runCtx context.Context
	var cancelRun context.CancelFunc
	if *runTimeout > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, *runTimeout)
	} else {
		runCtx, cancelRun = context.WithCancel(ctx)
	}
	defer cancelRun()

	listener := events.NewMetricsEventListener(eventBus, eng.GetSecretAccessCounter(), eng.GetRollbackFailureCounter(), log)
	go listener.Start(runCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var sigMu sync.Mutex
	var receivedSignal os.Signal
	signalDone := make(chan struct{})
	go func() {
		defer close(signalDone)
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Cancelling operation...", sig)
			sigMu.Lock()
			receivedSignal = sig
			sigMu.Unlock()
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	report, execErr := eng.RunOperation(runCtx, op)

	// Release the signal goroutine before shutting anything down.
	cancelRun()
	<-signalDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if shutdownErr := tracerProvider.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warnf("Error shutting down tracer provider: %v", shutdownErr)
	}

	printReportSummary(log, report, execErr)

	if *dumpMetrics {
		dumpMetricFamilies(log, metricsProvider.Registry())
	}

	sigMu.Lock()
	finalSignal := receivedSignal
	sigMu.Unlock()
	return determineExitCode(report, execErr, finalSignal, runCtx, *runTimeout, log)
}

// logManifestError reports a manifest load failure with the most specific
// framing the error's type allows.
func logManifestError(log opflowlog.Logger, path string, err error) {
	var validationErr *opflowerrors.ValidationError
	var configErr *opflowerrors.ConfigError
	switch {
	case errors.As(err, &validationErr):
		log.Errorf("Manifest validation failed:\n%s", validationErr.Error())
	case errors.As(err, &configErr):
		log.Errorf("Manifest configuration error:\n%s", configErr.Error())
	default:
		log.Errorf("Failed to load manifest '%s': %v", path, err)
	}
}

func printReportSummary(log opflowlog.Logger, report *opflow.OperationReport, execErr error) {
	if report == nil {
		log.Errorf("Run produced no report.")
		if execErr != nil {
			log.Errorf("Scheduling error: %v", execErr)
		}
		return
	}

	statusLine := fmt.Sprintf("Operation '%s' finished. Status: %s", report.OperationName, report.OverallStatus)
	summaryLine := fmt.Sprintf("Duration: %v. Modules: Total=%d, Succeeded=%d, Failed=%d, Skipped=%d",
		report.Duration.Truncate(time.Millisecond),
		report.TotalModules, len(report.Succeeded), len(report.Failed), len(report.Skipped))
	parallelLine := fmt.Sprintf("Batches: %d total, %d parallel. Estimated time saved: %v",
		report.Parallel.TotalBatches, report.Parallel.ParallelBatches,
		report.Parallel.EstimatedTimeSaved.Truncate(time.Millisecond))

	if report.Success {
		log.Infof("%s. %s", statusLine, summaryLine)
		log.Infof("%s", parallelLine)
		return
	}

	log.Errorf("%s. %s", statusLine, summaryLine)
	log.Infof("%s", parallelLine)
	for _, errLine := range report.Errors {
		log.Errorf("  - %s", errLine)
	}
}

func determineExitCode(report *opflow.OperationReport, execErr error, sig os.Signal, runCtx context.Context, runTimeout time.Duration, log opflowlog.Logger) int {
	if sig != nil {
		switch sig {
		case syscall.SIGINT:
			log.Warnf("Operation interrupted by SIGINT.")
			return exitSignalBase + int(syscall.SIGINT)
		case syscall.SIGTERM:
			log.Warnf("Operation terminated by SIGTERM.")
			return exitSignalBase + int(syscall.SIGTERM)
		default:
			log.Warnf("Operation terminated by signal: %v", sig)
			return ExitFailure
		}
	}
	if runTimeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		log.Errorf("Operation exceeded the %v overall deadline.", runTimeout)
		return ExitTimeout
	}
	if execErr != nil {
		return ExitFailure
	}
	if report == nil || !report.Success {
		return ExitFailure
	}
	log.Infof("Operation completed successfully.")
	return ExitSuccess
}

// redactionKeywords merges the built-in keyword list with the -redact flag's
// comma-separated additions, lowercased.
func redactionKeywords(extra string) []string {
	keywords := append([]string(nil), defaultRedactedKeywords...)
	for _, keyword := range strings.Split(extra, ",") {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" {
			keywords = append(keywords, keyword)
		}
	}
	return keywords
}

func keywordSet(keywords []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keywords))
	for _, keyword := range keywords {
		set[strings.ToLower(keyword)] = struct{}{}
	}
	return set
}

// dumpMetricFamilies writes every collected metric family to stderr in the
// Prometheus text exposition format.
func dumpMetricFamilies(log opflowlog.Logger, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		log.Warnf("Failed to gather metrics: %v", err)
		return
	}
	enc := expfmt.NewEncoder(os.Stderr, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			log.Warnf("Failed to encode metric family '%s': %v", family.GetName(), err)
			return
		}
	}
}
