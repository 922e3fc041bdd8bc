package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mxcli/mxcli"
	"github.com/mxcli/mxcli/internal"
	"github.com/mxcli/mxcli/shell"
)

var Version = "dev"

var (
	flagHomeserver = flag.String("homeserver", "", "Homeserver base URL, e.g. https://matrix.org")
	flagUser       = flag.String("user", "", "Fully-qualified user ID, e.g. @alice:matrix.org")
	flagToken      = flag.String("token", "", "Access token (see mxcli-login)")
	flagDevice     = flag.String("device", "", "Device ID the token belongs to")
	flagDB         = flag.String("db", "", "Optional sqlite path for sync cursor persistence")
	flagMetrics    = flag.String("metrics", "", "Optional bind address for Prometheus /metrics")
)

func main() {
	flag.Parse()
	if *flagHomeserver == "" || *flagUser == "" || *flagToken == "" || *flagDevice == "" {
		flag.Usage()
		os.Exit(1)
	}

	if dsn := os.Getenv("MXCLI_SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: Version}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialise sentry: %v\n", err)
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}
	tracing := false
	if otlpURL := os.Getenv("MXCLI_OTLP_URL"); otlpURL != "" {
		if err := internal.ConfigureOTLP(otlpURL, os.Getenv("MXCLI_OTLP_USER"), os.Getenv("MXCLI_OTLP_PASSWORD"), Version); err != nil {
			fmt.Fprintf(os.Stderr, "failed to configure OTLP: %v\n", err)
			os.Exit(1)
		}
		tracing = true
	}
	if *flagMetrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(*flagMetrics, mux)
		}()
	}

	client, err := mxcli.New(mxcli.Config{
		Session: mxcli.Session{
			HomeserverURL: *flagHomeserver,
			UserID:        *flagUser,
			DeviceID:      *flagDevice,
			AccessToken:   *flagToken,
		},
		CursorDB:      *flagDB,
		EnableTracing: tracing,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("Chat client started, waiting for initial sync to complete...")
	client.WaitUntilInitialSync()
	if err := client.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		client.Stop()
		os.Exit(1)
	}

	runErr := shell.New(client, os.Stdin, os.Stdout).Run(ctx)
	client.Stop()
	if runErr != nil || client.Err() != nil {
		os.Exit(1)
	}
}
