package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/haivivi/chunkflow/pkg/cli"
	"github.com/haivivi/chunkflow/pkg/idgen"
	"github.com/haivivi/chunkflow/pkg/kv"
	"github.com/haivivi/chunkflow/pkg/server"
)

var (
	serveAddr            string
	serveModels          string
	serveArchive         string
	serveRecord          bool
	serveMedia           string
	serveMaxConcurrent   int
	serveToken           string
	serveShutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server",
	Long: `Run the session server.

Sessions are created on first use and live in memory. Clients write and read
channels over WebSocket at /sessions/{id}, start pipelines with
POST /sessions/{id}/runs and inspect channels over plain HTTP.

With --archive, or --record for the default directory, every accepted
envelope and error report is recorded in a badger database; 'chunkflow inspect --records' and
GET /sessions/{id}/records list them.`,
	Example: `  chunkflow serve --addr :8080
  chunkflow serve --models ./models --archive ./records --media s3://bucket/media?region=us-east-1
  chunkflow serve --record`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, nil)
	},
}

// serve runs the server until ctx is done. When ready is not nil it
// receives the listening address.
func serve(ctx context.Context, ready chan<- string) error {
	logger := slog.Default()

	dir, explicit := resolveModelsDir(serveModels)
	mux, err := buildMux(ctx, muxOptions{ModelsDir: dir, Explicit: explicit, Media: resolveMedia(serveMedia)})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg := server.Config{
		Mux:           mux,
		Logger:        logger,
		Registry:      reg,
		Gatherer:      reg,
		RunIDs:        idgen.Base62{},
		MaxConcurrent: serveMaxConcurrent,
		Token:         serveToken,
	}
	archive := serveArchive
	if archive == "" && serveRecord {
		paths, err := cli.NewPaths(appName)
		if err != nil {
			return err
		}
		if archive, err = cli.Ensure(paths.RecordsDir()); err != nil {
			return err
		}
	}
	if archive != "" {
		db, err := kv.NewBadger(kv.BadgerOptions{Dir: archive, Logger: logger})
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer db.Close()
		cfg.Archive = db
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", serveAddr)
	if err != nil {
		return err
	}
	hs := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	logger.Info("server listening", "addr", ln.Addr().String(), "actions", len(mux.Patterns()))
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().StringVar(&serveModels, "models", "", "directory of model files (default ~/.chunkflow/chunkflow/models)")
	serveCmd.Flags().StringVar(&serveArchive, "archive", "", "badger directory recording every session")
	serveCmd.Flags().BoolVar(&serveRecord, "record", false, "record every session in ~/.chunkflow/chunkflow/records unless --archive is set")
	serveCmd.Flags().StringVar(&serveMedia, "media", "", "store for media:// refs: a directory, file:// or s3:// URL")
	serveCmd.Flags().IntVar(&serveMaxConcurrent, "max-concurrent", 0, "actions executing at once per session (0 = unlimited)")
	serveCmd.Flags().StringVar(&serveToken, "token", os.Getenv("CHUNKFLOW_TOKEN"), "bearer token required from clients")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests")
	rootCmd.AddCommand(serveCmd)
}
