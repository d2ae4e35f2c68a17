// Command history-server indexes Claude Code transcripts into a
// searchable store and supervises live agent sessions over
// websocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/claudetools/history-server/internal/auth"
	"github.com/claudetools/history-server/internal/config"
	"github.com/claudetools/history-server/internal/db"
	"github.com/claudetools/history-server/internal/diag"
	"github.com/claudetools/history-server/internal/executor"
	"github.com/claudetools/history-server/internal/heartbeat"
	"github.com/claudetools/history-server/internal/indexer"
	"github.com/claudetools/history-server/internal/server"
	"github.com/claudetools/history-server/internal/workdir"
)

var version = "dev"

const reindexEvery = "@every 5m"

func main() {
	log.SetReportTimestamp(true)
	if os.Getenv("DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		if err := runServe(); err != nil {
			log.Error("startup failed", "err", err)
			os.Exit(1)
		}
	case "genkey":
		if err := runGenKey(); err != nil {
			log.Error("key generation failed", "err", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("history-server", version)
	default:
		fmt.Fprintf(os.Stderr,
			"usage: history-server [serve|genkey|version]\n")
		os.Exit(1)
	}
}

func dbPath() (string, error) {
	if path := os.Getenv(config.EnvDBPath); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".claude-history-server", "search.db"), nil
}

func transcriptRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

func listenPort() int {
	if raw := os.Getenv(config.EnvPort); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 && p < 65536 {
			return p
		}
		log.Warn("ignoring invalid PORT", "value", raw)
	}
	return server.DefaultPort
}

func runServe() error {
	cfgDir, err := config.DefaultDir()
	if err != nil {
		return err
	}
	cfg := config.NewService(cfgDir)

	path, err := dbPath()
	if err != nil {
		return err
	}
	store, err := db.Open(path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	log.Info("store opened", "path", path, "fts", store.HasFTS())

	root, err := transcriptRoot()
	if err != nil {
		return err
	}
	ix := indexer.New(store, root)

	allowed, err := cfg.AllowedWorkingDirs()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	validator := workdir.NewValidator(allowed)
	gate := auth.NewGate(cfg.APIKeyHash)
	sessions := executor.NewSessionStore()
	errRing := diag.NewRing(diag.DefaultCapacity)
	hb := heartbeat.NewService(store, cfg)

	sched := cron.New()
	hbSched := heartbeat.NewScheduler(sched, hb)

	cfg.SetOnChanged(func(section string) {
		switch section {
		case config.SectionSecurity:
			dirs, err := cfg.AllowedWorkingDirs()
			if err != nil {
				log.Error("reloading allowlist", "err", err)
				return
			}
			validator.SetAllowedDirs(dirs)
			log.Info("working dir allowlist reloaded", "dirs", dirs)
		case config.SectionHeartbeat:
			settings, err := cfg.Heartbeat()
			if err != nil {
				log.Error("reloading heartbeat settings", "err", err)
				return
			}
			hbSched.Stop()
			if settings.Enabled {
				if err := hbSched.Start(settings.IntervalMs); err != nil {
					log.Error("rescheduling heartbeat", "err", err)
				}
			}
		}
	})

	var watcher *indexer.Watcher
	srv := server.New(server.Options{
		Store:     store,
		Indexer:   ix,
		Config:    cfg,
		Gate:      gate,
		Validator: validator,
		Sessions:  sessions,
		Heartbeat: hb,
		Errors:    errRing,
		WatcherRunning: func() bool {
			return watcher != nil && watcher.Running()
		},
	})

	addr := fmt.Sprintf("0.0.0.0:%d", listenPort())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	httpServer := &http.Server{Handler: srv.Handler()}
	go func() {
		if err := httpServer.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "err", err)
		}
	}()

	watcher, err = indexer.StartWatcher(ix, indexer.DefaultQuiescence)
	if err != nil {
		// Degraded but functional: periodic reindex still runs.
		log.Error("file watcher unavailable", "err", err)
		errRing.Record("watcher", err.Error())
	}

	if res, err := ix.IndexAll(false); err != nil {
		log.Error("initial index pass", "err", err)
		errRing.Record("indexer", err.Error())
	} else {
		log.Info("initial index pass complete",
			"indexed", res.Indexed, "skipped", res.Skipped)
	}

	if _, err := sched.AddFunc(reindexEvery, func() {
		if res, err := ix.IndexAll(false); err != nil {
			log.Error("periodic reindex", "err", err)
			errRing.Record("indexer", err.Error())
		} else if res.Indexed > 0 {
			log.Info("periodic reindex",
				"indexed", res.Indexed, "skipped", res.Skipped)
		}
	}); err != nil {
		return fmt.Errorf("scheduling reindex: %w", err)
	}

	settings, err := cfg.Heartbeat()
	if err != nil {
		return fmt.Errorf("reading heartbeat settings: %w", err)
	}
	if settings.Enabled {
		if err := hbSched.Start(settings.IntervalMs); err != nil {
			return err
		}
	}
	sched.Start()

	log.Info("ready", "addr", addr, "version", version,
		"transcripts", root, "heartbeat", settings.Enabled)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	// Shutdown mirrors startup in reverse. Each step tolerates
	// collaborators that never finished starting.
	<-sched.Stop().Done()
	hbSched.Stop()
	srv.Shutdown()
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			log.Error("closing watcher", "err", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("closing http server", "err", err)
	}
	return nil
}

// runGenKey creates the API key, stores its hash in the config,
// and prints the plaintext exactly once.
func runGenKey() error {
	cfgDir, err := config.DefaultDir()
	if err != nil {
		return err
	}
	cfg := config.NewService(cfgDir)

	plaintext, hash, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	createdAt := time.Now().UTC().Format(time.RFC3339)
	if err := cfg.SetAPIKeyHash(hash, createdAt); err != nil {
		return err
	}

	fmt.Println("API key (store it now, it will not be shown again):")
	fmt.Println(plaintext)
	return nil
}
