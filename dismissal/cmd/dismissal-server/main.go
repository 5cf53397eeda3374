// dismissal-server serves the carline JSON API.
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

	"carline/dismissal/api"
	"carline/dismissal/archive"
	"carline/dismissal/dblayer"
	"carline/dismissal/docstore"
	"carline/dismissal/mailer"
	"carline/dismissal/poller"
	"carline/serving/healthz"
	"carline/serving/httpmetrics"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/profiler"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/storage"
	"contrib.go.opencensus.io/exporter/stackdriver"
	cloudmetrics "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/sendgrid/sendgrid-go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	secretmanagerpb "google.golang.org/genproto/googleapis/cloud/secretmanager/v1"
)

var (
	debugListen = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")
	apiListen   = flag.String("api-listen", "127.0.0.1:8000", "Server address:port for API endpoint.")
	baseURL     = flag.String("base-url", "http://localhost:8000", "Root URL of the web front end, used in links sent by email.")

	dataProject = flag.String("data-project", "", "GCP project that contains the application state.  Defaults to the project of the Application Default Credentials.")
	backend     = flag.String("backend", "firestore", "Document store backend: firestore or badger.")
	badgerDir   = flag.String("badger-dir", "./carline-data", "Data directory for the badger backend.")

	googleOAuthClientID = flag.String("google-oauth-client-id", "", "OAuth client ID that Google sign-in tokens must be issued to.")
	insecureCookies     = flag.Bool("insecure-cookies", false, "Send session cookies over plain HTTP.  For local development only.")

	sendgridKeySecret = flag.String("sendgrid-key-secret", "", "GCP Secret Manager secret name containing SendGrid API key.  If empty, email is logged instead of sent.")
	mailFromName      = flag.String("mail-from-name", "Carline", "Display name for outgoing email.")
	mailFromAddress   = flag.String("mail-from-address", "no-reply@carline.app", "Sender address for outgoing email.")
	mailPerSecond     = flag.Float64("mail-per-second", 5, "Maximum outgoing emails per second.")

	runPoller     = flag.Bool("run-poller", false, "Run the housekeeping poller in this process.  Required with the badger backend.")
	recheckPeriod = flag.Duration("recheck-period", 1*time.Minute, "Time between poller passes.")
	archiveBucket = flag.String("archive-bucket", "", "GCS bucket for end-of-day archives.  If empty, days are rolled over without archiving.")

	enableProfiling      = flag.Bool("enable-profiling", false, "Enable Cloud Profiler.")
	enableMetrics        = flag.Bool("enable-metrics", false, "Export request metrics to Stackdriver.")
	monitoring           = flag.Bool("monitoring", false, "Enable OpenTelemetry trace and metric export?")
	monitoringProject    = flag.String("monitoring-project", "", "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", 0.01, "What ratio of traces should be exported?")
)

func main() {
	flag.Parse()

	slog.Info("Starting up")
	slog.Info(
		"Flags",
		slog.String("debug-listen", *debugListen),
		slog.String("api-listen", *apiListen),
		slog.String("base-url", *baseURL),
		slog.String("data-project", *dataProject),
		slog.String("backend", *backend),
		slog.String("badger-dir", *badgerDir),
		slog.String("google-oauth-client-id", *googleOAuthClientID),
		slog.Bool("insecure-cookies", *insecureCookies),
		slog.String("sendgrid-key-secret", *sendgridKeySecret),
		slog.String("mail-from-address", *mailFromAddress),
		slog.Float64("mail-per-second", *mailPerSecond),
		slog.Bool("run-poller", *runPoller),
		slog.Duration("recheck-period", *recheckPeriod),
		slog.String("archive-bucket", *archiveBucket),
		slog.Bool("enable-profiling", *enableProfiling),
		slog.Bool("enable-metrics", *enableMetrics),
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
	if *dataProject == "" && (*backend == "firestore" || *sendgridKeySecret != "") {
		creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return fmt.Errorf("while finding application default credentials: %w", err)
		}
		*dataProject = creds.ProjectID
		slog.InfoContext(ctx, "Using project from default credentials", slog.String("project", *dataProject))
	}

	// Cloud Profiler initialization, best done as early as possible.
	if *enableProfiling {
		if err := profiler.Start(profiler.Config{
			Service:        "dismissal-server",
			ServiceVersion: "0.0.1",
			ProjectID:      *dataProject,
		}); err != nil {
			return fmt.Errorf("while starting profiler: %w", err)
		}
	}

	if *monitoring {
		metricsOpts := []cloudmetrics.Option{}
		traceOpts := []cloudtrace.Option{}
		if *monitoringProject != "" {
			metricsOpts = append(metricsOpts, cloudmetrics.WithProjectID(*monitoringProject))
			traceOpts = append(traceOpts, cloudtrace.WithProjectID(*monitoringProject))
		}

		_, traceShutdown, err := cloudtrace.InstallNewPipeline(traceOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(*monitoringTraceRatio)))
		if err != nil {
			return fmt.Errorf("while installing Cloud Trace pipeline: %w", err)
		}
		defer traceShutdown()

		pusher, err := cloudmetrics.InstallNewPipeline(metricsOpts)
		if err != nil {
			return fmt.Errorf("while installing Cloud Monitoring pipeline: %w", err)
		}
		defer pusher.Stop(context.Background())
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	db := dblayer.New(store, dblayer.WithGoogleOAuthClientID(*googleOAuthClientID))

	sender, err := newSender(ctx)
	if err != nil {
		return fmt.Errorf("while creating mail sender: %w", err)
	}

	apiOpts := []api.Opt{
		api.WithMailer(sender),
		api.WithBaseURL(*baseURL),
	}
	if *insecureCookies {
		apiOpts = append(apiOpts, api.WithInsecureCookies())
	}
	a := api.New(db, apiOpts...)

	apiServeMux := http.NewServeMux()
	a.Register(apiServeMux)

	var apiHandler http.Handler = apiServeMux
	if *enableMetrics {
		exporter, err := stackdriver.NewExporter(stackdriver.Options{
			ProjectID:         *dataProject,
			MetricPrefix:      "dismissal-server",
			ReportingInterval: 60 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("while creating Stackdriver exporter: %w", err)
		}
		if err := exporter.StartMetricsExporter(); err != nil {
			return fmt.Errorf("while starting Stackdriver exporter: %w", err)
		}
		defer exporter.Flush()
		defer exporter.StopMetricsExporter()

		metrics := httpmetrics.New(apiServeMux)
		if err := metrics.RegisterMetrics(); err != nil {
			return fmt.Errorf("while registering request metrics: %w", err)
		}
		apiHandler = metrics
	}

	apiServer := &http.Server{
		Addr:    *apiListen,
		Handler: apiHandler,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
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

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(ctx, "debug", debugServer)
	})
	g.Go(func() error {
		return serve(ctx, "api", apiServer)
	})

	if *runPoller {
		var archiver archive.Archiver
		if *archiveBucket != "" {
			gcs, err := storage.NewClient(ctx)
			if err != nil {
				return fmt.Errorf("while creating GCS client: %w", err)
			}
			defer gcs.Close()
			archiver = archive.NewGCS(gcs, *archiveBucket)
		}

		p := poller.New(db, archiver, *recheckPeriod)
		g.Go(func() error {
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("poller died: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// serve runs srv until ctx is done, then shuts it down.
func serve(ctx context.Context, name string, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.InfoContext(ctx, "Serving", slog.String("server", name), slog.String("addr", srv.Addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("%s server died: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("while shutting down %s server: %w", name, err)
	}
	return nil
}

func openStore(ctx context.Context) (docstore.Store, error) {
	switch *backend {
	case "firestore":
		fstore, err := firestore.NewClient(ctx, *dataProject)
		if err != nil {
			return nil, fmt.Errorf("while creating FireStore client: %w", err)
		}
		return docstore.NewFirestore(fstore), nil
	case "badger":
		if !*runPoller {
			slog.WarnContext(ctx, "The badger backend can only be opened by one process; pass --run-poller to keep the queue tidy")
		}
		store, err := docstore.OpenBadger(*badgerDir)
		if err != nil {
			return nil, fmt.Errorf("while opening badger store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown backend %q", *backend)
}

func newSender(ctx context.Context) (mailer.Sender, error) {
	if *sendgridKeySecret == "" {
		slog.WarnContext(ctx, "No SendGrid key configured; email will only be logged")
		return mailer.LogSender{}, nil
	}

	sg, err := newSendgridClient(ctx)
	if err != nil {
		return nil, err
	}
	return mailer.NewSendGrid(sg, *mailFromName, *mailFromAddress, *mailPerSecond), nil
}

func newSendgridClient(ctx context.Context) (*sendgrid.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secretClient, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("while creating Secret Manager client: %w", err)
	}
	defer secretClient.Close()

	resp, err := secretClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", *dataProject, *sendgridKeySecret),
	})
	if err != nil {
		return nil, fmt.Errorf("while pulling secret: %w", err)
	}

	return sendgrid.NewSendClient(string(resp.GetPayload().GetData())), nil
}
