// dismissal-poller runs carline's background housekeeping against the
// production Firestore database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carline/dismissal/archive"
	"carline/dismissal/dblayer"
	"carline/dismissal/docstore"
	"carline/dismissal/poller"
	"carline/serving/healthz"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

var (
	debugListen   = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")
	recheckPeriod = flag.Duration("recheck-period", 1*time.Minute, "Time between poller passes.")
	dataProject   = flag.String("data-project", "", "GCP project that contains the application state.")
	archiveBucket = flag.String("archive-bucket", "", "GCS bucket for end-of-day archives.  If empty, days are rolled over without archiving.")

	monitoring           = flag.Bool("monitoring", false, "Enable OpenTelemetry trace export?")
	monitoringProject    = flag.String("monitoring-project", "", "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", 0.01, "What ratio of traces should be exported?")
)

func main() {
	flag.Parse()

	slog.Info("Starting up")
	slog.Info(
		"Flags",
		slog.String("debug-listen", *debugListen),
		slog.Duration("recheck-period", *recheckPeriod),
		slog.String("data-project", *dataProject),
		slog.String("archive-bucket", *archiveBucket),
		slog.Bool("monitoring", *monitoring),
		slog.String("monitoring-project", *monitoringProject),
		slog.Float64("monitoring-trace-ratio", *monitoringTraceRatio),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := do(ctx); err != nil {
		slog.ErrorContext(ctx, "Error", slog.Any("err", err))
		os.Exit(255)
	}
}

func do(ctx context.Context) error {
	if *monitoring {
		traceOpts := []cloudtrace.Option{}
		if *monitoringProject != "" {
			traceOpts = append(traceOpts, cloudtrace.WithProjectID(*monitoringProject))
		}
		_, traceShutdown, err := cloudtrace.InstallNewPipeline(traceOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(*monitoringTraceRatio)))
		if err != nil {
			return fmt.Errorf("while installing Cloud Trace pipeline: %w", err)
		}
		defer traceShutdown()
	}

	fstore, err := firestore.NewClient(ctx, *dataProject)
	if err != nil {
		return fmt.Errorf("while creating FireStore client: %w", err)
	}
	store := docstore.NewFirestore(fstore)
	defer store.Close()

	var archiver archive.Archiver
	if *archiveBucket != "" {
		gcs, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("while creating GCS client: %w", err)
		}
		defer gcs.Close()
		archiver = archive.NewGCS(gcs, *archiveBucket)
	}

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New())
	debugServeMux.Handle("/readyz", healthz.New().WithCheck("store", store.Ping))
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	p := poller.New(dblayer.New(store), archiver, *recheckPeriod)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- debugServer.ListenAndServe()
		}()
		select {
		case err := <-errCh:
			return fmt.Errorf("debug server died: %w", err)
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return debugServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("poller died: %w", err)
		}
		return nil
	})

	return g.Wait()
}
