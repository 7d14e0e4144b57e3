package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"repod/internal/config"
	"repod/internal/httpapi"
	"repod/internal/lifecycle"
	"repod/internal/repository"
)

func main() {
	// Flags with environment variable defaults
	defaultAddr := ":8000"
	if v := os.Getenv("REPOD_ADDR"); v != "" {
		defaultAddr = v
	}
	defaultRepos := os.Getenv("REPOD_MODEL_REPOSITORIES")
	addr := flag.String("addr", defaultAddr, "HTTP listen address, e.g. :8000")
	repos := flag.String("model-repositories", defaultRepos, "Comma-separated model repository root directories")
	configPath := flag.String("config", os.Getenv("REPOD_CONFIG"), "Optional config file (.yaml/.json/.toml)")
	mode := flag.String("control-mode", "", "Model control mode: poll|explicit|none")
	pollSec := flag.Int("poll-interval-sec", 0, "Repository poll interval in seconds (poll mode)")
	namespacing := flag.Bool("namespacing", false, "Qualify duplicate model names by repository namespace")
	strict := flag.Bool("strict-readiness", false, "Server readiness requires every startup load to succeed")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error")
	flag.Parse()

	var cfg config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	// Flags win over file values.
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *repos != "" {
		cfg.ModelRepositories = splitList(*repos)
	}
	if *mode != "" {
		cfg.ControlMode = *mode
	}
	if *pollSec > 0 {
		cfg.PollIntervalSec = *pollSec
	}
	if *namespacing {
		cfg.Namespacing = true
	}
	if *strict {
		cfg.StrictReadiness = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if len(cfg.ModelRepositories) == 0 {
		log.Fatalf("no model repositories configured; pass --model-repositories or set REPOD_MODEL_REPOSITORIES")
	}

	logger := newLogger(cfg.LogLevel)
	httpapi.SetLogger(logger)
	if cfg.MaxBodyBytes > 0 {
		httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	}
	if cfg.InferTimeoutSec > 0 {
		httpapi.SetInferTimeoutSeconds(cfg.InferTimeoutSec)
	}
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins, cfg.CORSMethods, cfg.CORSHeaders)

	roots, err := repository.Roots(cfg.ModelRepositories, cfg.Namespacing)
	if err != nil {
		log.Fatalf("invalid model repository path: %v", err)
	}

	mgr := lifecycle.New(lifecycle.Config{
		Roots:           roots,
		Mode:            lifecycle.ControlMode(cfg.ControlMode),
		PollInterval:    time.Duration(cfg.PollIntervalSec) * time.Second,
		Namespacing:     cfg.Namespacing,
		StrictReadiness: cfg.StrictReadiness,
		DrainTimeout:    time.Duration(cfg.DrainTimeoutSec) * time.Second,
		LoadConcurrency: cfg.LoadConcurrency,
		StartupModels:   cfg.StartupModels,
		Logger:          logger,
	})

	baseCtx, stopBase := context.WithCancel(context.Background())
	defer stopBase()
	httpapi.SetBaseContext(baseCtx)

	if err := mgr.Start(baseCtx); err != nil {
		// Startup load failures are reported through readiness, not a
		// dead process; the repository may recover on a later pass.
		logger.Warn().Err(err).Msg("startup loading finished with failures")
	}

	mux := httpapi.NewMux(mgr)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Strs("repositories", cfg.ModelRepositories).Msg("repod listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	stopBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && level != "" {
		lvl = parsed
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
