package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adamwdraper/the-narrator/common/id"
	"github.com/adamwdraper/the-narrator/common/logger"
	"github.com/adamwdraper/the-narrator/common/otel"
	"github.com/adamwdraper/the-narrator/core/config"
	"github.com/adamwdraper/the-narrator/internal/contentstore"
	"github.com/adamwdraper/the-narrator/internal/metrics"
	"github.com/adamwdraper/the-narrator/internal/model"
	"github.com/adamwdraper/the-narrator/internal/registry"
	"github.com/adamwdraper/the-narrator/internal/service"
	"github.com/adamwdraper/the-narrator/internal/store"
)

const usage = `usage: narrator <command> [flags]

commands:
  health              check the thread backend and the content store
  list [-limit n]     list recent threads
  show <thread-id>    print a thread as JSON
  demo                save a sample thread with an attachment and read it back
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger.Setup(cfg)

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	code := run(ctx, cfg, os.Args[1], os.Args[2:])

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, cfg config.Config, command string, args []string) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum threads to list")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address while the command runs")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)
	if *metricsAddr != "" {
		srv := serveMetrics(ctx, *metricsAddr, promRegistry)
		defer srv.Close()
	}

	reg, err := setup(ctx, cfg, m)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize stores", "error", err)
		return 1
	}
	defer func() {
		if err := reg.Close(); err != nil {
			slog.ErrorContext(ctx, "failed to close stores", "error", err)
		}
	}()

	threads, err := reg.ThreadStore(registry.DefaultName)
	if err != nil {
		slog.ErrorContext(ctx, "thread store missing", "error", err)
		return 1
	}
	files, err := reg.FileStore(registry.DefaultName)
	if err != nil {
		slog.ErrorContext(ctx, "file store missing", "error", err)
		return 1
	}

	switch command {
	case "health":
		err = health(ctx, threads, files)
	case "list":
		err = list(ctx, threads, *limit)
	case "show":
		if fs.NArg() != 1 {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		err = show(ctx, threads, fs.Arg(0))
	case "demo":
		err = demo(ctx, threads, files)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	if err != nil {
		slog.ErrorContext(ctx, "command failed", "command", command, "error", err)
		return 1
	}
	return 0
}

// setup builds the default thread and file stores and registers them. On
// error everything opened so far is closed.
func setup(ctx context.Context, cfg config.Config, m *metrics.Metrics) (_ *registry.Registry, err error) {
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]() //nolint:errcheck
		}
	}()

	files, err := contentstore.NewLocalStore(contentstore.Config{
		BasePath:       cfg.Files.BasePath,
		MaxFileSize:    int64(cfg.Files.MaxFileSize),
		MaxStorageSize: int64(cfg.Files.MaxStorageSize),
		Metrics:        m,
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, files.Close)
	slog.InfoContext(ctx, "content store opened",
		"base_path", cfg.Files.BasePath,
		"max_file_size", cfg.Files.MaxFileSize.String(),
		"max_storage_size", cfg.Files.MaxStorageSize.String())

	backend, err := store.Open(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	closers = append(closers, backend.Close)

	var (
		locker     service.Locker
		redisClose func() error
	)
	if cfg.Redis.Enabled() {
		client, err := service.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, client.Close)
		slog.InfoContext(ctx, "redis connected, using distributed save locks", "ttl", cfg.Redis.LockTTL)
		locker = service.NewRedisLocker(client, cfg.Redis.LockTTL)
		redisClose = client.Close
	}

	reg := registry.New()
	if redisClose != nil {
		// Registered first so it closes after the stores that use it.
		reg.OnClose(redisClose)
	}
	if err := reg.RegisterFileStore(registry.DefaultName, files); err != nil {
		return nil, err
	}
	if err := reg.RegisterThreadStore(registry.DefaultName, service.NewThreadService(backend, files, locker, m)); err != nil {
		return nil, err
	}
	return reg, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.InfoContext(ctx, "metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "metrics server error", "error", err)
		}
	}()
	return srv
}

func health(ctx context.Context, threads service.ThreadService, files registry.FileStore) error {
	h := files.CheckHealth(ctx)
	fmt.Printf("thread backend: %s\n", threads.Backend())
	fmt.Printf("content store:  healthy=%t files=%d usage=%s path=%s\n", h.Healthy, h.Files, h.Usage, h.BasePath)
	for _, e := range h.Errors {
		fmt.Printf("  error: %s\n", e)
	}

	if err := threads.Ping(ctx); err != nil {
		return fmt.Errorf("thread backend unhealthy: %w", err)
	}
	if !h.Healthy {
		return fmt.Errorf("content store unhealthy")
	}
	return nil
}

func list(ctx context.Context, threads service.ThreadService, limit int) error {
	recent, err := threads.ListRecent(ctx, limit)
	if err != nil {
		return err
	}
	for _, t := range recent {
		fmt.Printf("%s  %-30s  %3d messages  updated %s\n",
			t.ID, logger.Truncate(t.Title, 30), len(t.Messages), humanize.Time(t.UpdatedAt))
	}
	return nil
}

func show(ctx context.Context, threads service.ThreadService, threadID string) error {
	t, err := threads.Get(ctx, threadID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("thread %s: %w", threadID, model.ErrNotFound)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

func demo(ctx context.Context, threads service.ThreadService, files registry.FileStore) error {
	thread := model.NewThread("Demo conversation")
	thread.SetAttribute("source", "narrator demo")
	thread.SetPlatform("cli", map[string]any{"host": hostname()})

	system, err := model.NewMessage(model.RoleSystem, model.Text("You are a concise assistant."))
	if err != nil {
		return err
	}
	user, err := model.NewMessage(model.RoleUser, model.Text("Summarize the attached notes."),
		model.WithAttachments(model.NewAttachment("notes.md", []byte("# Notes\n\n- ship the store\n"), "text/markdown")),
		model.WithSource(model.Source{ID: "cli", Type: "user"}))
	if err != nil {
		return err
	}
	assistant, err := model.NewMessage(model.RoleAssistant, model.Text("The notes say: ship the store."),
		model.WithMetrics(model.Metrics{
			Model: "demo-model",
			Usage: model.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
		}))
	if err != nil {
		return err
	}

	if err := thread.AddMessages([]*model.Message{system, user, assistant}); err != nil {
		return err
	}

	if _, err := threads.Save(ctx, thread); err != nil {
		return err
	}

	loaded, err := threads.Get(ctx, thread.ID)
	if err != nil {
		return err
	}
	if loaded == nil {
		return fmt.Errorf("thread %s vanished after save", thread.ID)
	}

	fmt.Printf("saved thread %s with %d messages (%d persisted, system message kept in memory)\n",
		thread.ID, len(thread.Messages), len(loaded.Messages))
	for _, m := range loaded.MessagesInSequence() {
		fmt.Printf("  #%d turn %d %-9s %s\n", *m.Sequence, *m.Turn, m.Role, logger.Truncate(m.Content.String(), 60))
		for _, a := range m.Attachments {
			data, err := a.Bytes(ctx, files)
			if err != nil {
				return err
			}
			stored, _ := a.Stored()
			fmt.Printf("      attachment %s (%s) -> %s, %d bytes\n", a.Filename, a.MimeType, stored.StoragePath, len(data))
		}
	}

	tokens := loaded.TotalTokens()
	fmt.Printf("tokens: %d total across %d model(s)\n", tokens.Overall.TotalTokens, len(tokens.ByModel))
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
