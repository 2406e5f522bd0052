package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Brownie44l1/defect-api/internal/config"
	"github.com/Brownie44l1/defect-api/internal/metrics"
	"github.com/Brownie44l1/defect-api/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("failed to load default config: %v", err)
	}
	cfg.Upload.Dir = filepath.Join(t.TempDir(), "uploads")
	cfg.Model.Path = filepath.Join(t.TempDir(), "model.json")
	return cfg
}

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()
	cfg := testConfig(t)

	loader, err := newLoader(cfg)
	if err != nil {
		t.Fatalf("failed to build loader: %v", err)
	}
	server := model.NewServer(loader)
	m, err := metrics.New(nil, model.StateNames()...)
	if err != nil {
		t.Fatalf("failed to build metrics: %v", err)
	}
	router, err := newRouter(cfg, server, logger, m, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}

	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	defer func() {
		select {
		case <-releaseRequest:
		default:
			close(releaseRequest)
		}
	}()
	router.GET("/slow", func(c *gin.Context) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		<-releaseRequest
		c.String(http.StatusOK, "ok")
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	httpServer := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(httpServer, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}

	// The model was never loaded, so analysis is refused.
	resp, err := client.Post("http://"+addr+"/analyze", "application/octet-stream", nil)
	if err != nil {
		t.Fatalf("analyze request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.StatusCode)
	}

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Get("http://" + addr + "/slow")
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(releaseRequest)

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestNewLoaderFailsOnMissingModel(t *testing.T) {
	for _, backend := range []string{config.BackendLayers, config.BackendONNX} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Model.Backend = backend

			loader, err := newLoader(cfg)
			if err != nil {
				t.Fatalf("failed to build loader: %v", err)
			}
			server := model.NewServer(loader)
			err = server.Load(context.Background())
			if !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("expected missing model error, got %v", err)
			}
			if server.State() != model.StateFailed {
				t.Fatalf("expected failed state, got %s", server.State())
			}
		})
	}

	cfg := testConfig(t)
	cfg.Model.Backend = "tflite"
	if _, err := newLoader(cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
