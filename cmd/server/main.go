package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Brownie44l1/defect-api/internal/config"
	"github.com/Brownie44l1/defect-api/internal/handlers"
	"github.com/Brownie44l1/defect-api/internal/layers"
	"github.com/Brownie44l1/defect-api/internal/logging"
	"github.com/Brownie44l1/defect-api/internal/metrics"
	"github.com/Brownie44l1/defect-api/internal/model"
)

func main() {
	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config.BindFlags(flags)
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	m, err := metrics.New(prometheus.DefaultRegisterer, model.StateNames()...)
	if err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	loader, err := newLoader(cfg)
	if err != nil {
		logger.Fatal("failed to prepare model loader", zap.Error(err))
	}
	server := model.NewServer(loader,
		model.WithLogger(logger),
		model.WithMetrics(m),
		model.WithImageSize(cfg.Model.ImageSize),
		model.WithTimeout(cfg.Inference.Timeout),
		model.WithMaxConcurrent(cfg.Inference.MaxConcurrent),
	)
	defer server.Close()

	loadCtx, cancelLoad := context.WithCancel(context.Background())
	defer cancelLoad()
	logger.Info("loading model",
		zap.String("path", cfg.Model.Path),
		zap.String("backend", cfg.Model.Backend),
	)
	// The listener comes up while the model loads; until then /analyze
	// answers 503.
	go func() {
		if err := server.Load(loadCtx); err != nil {
			logger.Error("model unavailable, serving not-ready until restart", zap.Error(err))
		}
	}()

	router, err := newRouter(cfg, server, logger, m, prometheus.DefaultGatherer)
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("defect API listening",
		zap.String("addr", httpServer.Addr),
		zap.Strings("endpoints", []string{
			"POST /analyze",
			"POST /predict",
			"GET /health",
			"GET /ready",
			"GET /metrics",
		}),
	)
	if err := serveHTTPServer(httpServer, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newLoader picks the inference backend. Layer classes are registered here,
// before any graph is read.
func newLoader(cfg *config.Config) (model.Loader, error) {
	switch cfg.Model.Backend {
	case config.BackendONNX:
		return model.ONNXLoader(model.ONNXOptions{
			ModelPath:   cfg.Model.Path,
			LibraryPath: cfg.ONNX.LibraryPath,
			InputName:   cfg.ONNX.InputName,
			OutputName:  cfg.ONNX.OutputName,
		}), nil
	case config.BackendLayers:
		reg := layers.NewRegistry()
		if err := layers.RegisterBuiltins(reg); err != nil {
			return nil, fmt.Errorf("register layers: %w", err)
		}
		return model.GraphLoader(cfg.Model.Path, reg), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Model.Backend)
	}
}

func newRouter(cfg *config.Config, analyzer handlers.Analyzer, logger *zap.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) (*gin.Engine, error) {
	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	h, err := handlers.NewHandler(analyzer, handlers.Options{
		Fs:             afero.NewOsFs(),
		UploadDir:      cfg.Upload.Dir,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		Logger:         logger,
		Metrics:        m,
		Gatherer:       gatherer,
	})
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Recovery())
	handlers.RegisterRoutes(r, h)
	return r, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a signal
// arrives, then drains in-flight requests for up to shutdownTimeout. A nil
// listener listens on server.Addr; a nil signalCh subscribes to SIGINT and
// SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
