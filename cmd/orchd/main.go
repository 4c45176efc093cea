// orchd is the orchestrator daemon — the long-lived supervisor that manages
// child inference-server processes and exposes a single OpenAI-compatible
// HTTP endpoint. Grounded on cmd/aegisd/main.go's wiring sequence (config ->
// backends -> registry -> manager -> router -> API server -> signal handling
// -> graceful shutdown), re-sequenced for this domain's
// config -> devices -> ifaces -> ledger -> supervisor -> controller -> proxy
// chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/llmorch/orchd/internal/config"
	"github.com/llmorch/orchd/internal/controller"
	"github.com/llmorch/orchd/internal/device"
	"github.com/llmorch/orchd/internal/iface"
	"github.com/llmorch/orchd/internal/ledger"
	"github.com/llmorch/orchd/internal/metrics"
	"github.com/llmorch/orchd/internal/proxy"
	"github.com/llmorch/orchd/internal/supervisor"
	"github.com/llmorch/orchd/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "orchd.yaml", "path to orchd.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	prog := cfg.Program()
	log.Printf("orchd %s starting, listening on %s:%d", version.Version(), prog.Host, prog.Port)

	if err := os.MkdirAll(prog.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   filepath.Join(prog.DataDir, "orchd.log"),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}))

	devices := buildDeviceRegistry(cfg)
	ifaces := iface.DefaultRegistry()

	dbPath := filepath.Join(prog.DataDir, "monitoring.db")
	led, err := ledger.Open(dbPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer led.Close()
	log.Printf("ledger: %s", dbPath)

	programRuntimeID, err := led.RecordProgramRuntimeStart(context.Background(), time.Now())
	if err != nil {
		log.Printf("ledger: record program runtime start: %v", err)
	}

	ctrl := controller.New(cfg, devices, ifaces, nil, led)
	sup := supervisor.New(ctrl.OnProcessDeath)
	ctrl.SetSupervisor(sup)
	defer sup.Close()

	m := metrics.New()
	ctrl.SetMetrics(m)
	router := proxy.New(cfg, ctrl, ifaces, led, m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", router)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", prog.Host, prog.Port),
		Handler: mux,
	}

	ctrl.StartAutoStartModels(context.Background())

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	pidPath := filepath.Join(prog.DataDir, "orchd.pid")
	_ = os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600)
	defer os.Remove(pidPath)

	log.Printf("orchd ready (pid %d)", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ctrl.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}

	if programRuntimeID != 0 {
		if err := led.RecordProgramRuntimeEnd(context.Background(), programRuntimeID, time.Now()); err != nil {
			log.Printf("ledger: record program runtime end: %v", err)
		}
	}

	log.Println("orchd stopped")
}

func buildDeviceRegistry(cfg *config.Config) *device.Registry {
	var plugins []device.Plugin
	for _, d := range cfg.Devices() {
		switch d.Kind {
		case "cpu":
			plugins = append(plugins, device.NewCPU(d.Name))
		case "nvidia":
			plugins = append(plugins, device.NewNVIDIA(d.Name, d.Name))
		default:
			log.Printf("orchd: unknown device kind %q for device %q, skipping", d.Kind, d.Name)
		}
	}
	if len(plugins) == 0 {
		plugins = append(plugins, device.NewCPU("cpu"))
	}
	return device.NewRegistry(plugins...)
}
