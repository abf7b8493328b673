// mcbus is a standalone signaling bus hub. It relays opaque envelopes
// between conference participants without holding any key material, so a
// deployment can put it on untrusted infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/companyzero/mediacrypt/internal/netutils"
	"github.com/companyzero/mediacrypt/lockfile"
	"github.com/companyzero/mediacrypt/wsbus"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

func realMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Log.
	logBackend := &logBackend{
		stdOut: os.Stdout,
	}
	if cfg.LogFile != "" {
		logDir := filepath.Dir(cfg.LogFile)
		err := os.MkdirAll(logDir, 0700)
		if err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		logRotator, err := rotator.New(cfg.LogFile, 1024, false, maxLogFiles)
		if err != nil {
			return fmt.Errorf("failed to create file rotator: %w", err)
		}
		logBackend.logRotator = logRotator
	}

	logBknd := slog.NewBackend(logBackend)
	log := logBknd.Logger("MBUS")
	logLevel, ok := slog.LevelFromString(cfg.DebugLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", cfg.DebugLevel)
	}
	log.SetLevel(logLevel)
	log.Infof("Running mcbus version %s", version())

	// Ensure a single instance on this home dir.
	lockFilePath := filepath.Join(defaultHomeDir, "mcbus.lock")
	ctxLF, cancelLF := context.WithTimeout(context.Background(), time.Second)
	lf, err := lockfile.Acquire(ctxLF, lockFilePath)
	cancelLF()
	if err != nil {
		return fmt.Errorf("unable to acquire lockfile %q: %v", lockFilePath, err)
	}
	defer lf.Close()

	// Main context.
	errMainCtxCanceled := errors.New("main context canceled")
	sigCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, mainCancel := context.WithCancelCause(context.Background())
	go func() {
		<-sigCtx.Done()
		log.Infof("Interrupt detected. Shutting down hub.")
		mainCancel(errMainCtxCanceled)
	}()

	// Profiler.
	if cfg.Profiler != "" {
		log.Infof("Profiler enabled on http://%v/debug/pprof",
			cfg.Profiler)
		go http.ListenAndServe(cfg.Profiler, nil)
	}

	// Listeners.
	var listeners []net.Listener
	for _, addr := range cfg.Listen {
		lis, err := netutils.Listen(addr)
		if err != nil {
			return err
		}
		listeners = append(listeners, lis...)
	}

	// Hub options.
	opts := []wsbus.Option{
		wsbus.WithLogger(log),
		wsbus.WithListeners(listeners),
		wsbus.WithPrometheusAddr(cfg.ListenPrometheus),
	}
	if cfg.SendQueueSize > 0 {
		opts = append(opts, wsbus.WithSendQueueSize(cfg.SendQueueSize))
	}
	if len(cfg.Tokens) > 0 {
		tokens := make(map[string]struct{}, len(cfg.Tokens))
		for _, t := range cfg.Tokens {
			tokens[t] = struct{}{}
		}
		opts = append(opts, wsbus.WithTokens(tokens))
	} else {
		log.Warnf("RUNNING WITHOUT ACCESS TOKENS")
	}

	hub, err := wsbus.NewHub(opts...)
	if err != nil {
		return err
	}

	err = hub.Run(ctx)
	if errors.Is(err, context.Canceled) && context.Cause(ctx) == errMainCtxCanceled {
		// Ignore graceful shutdown error.
		return nil
	}
	return err
}

func main() {
	err := realMain()
	if err != nil {
		fmt.Println("Error:", err.Error())
		os.Exit(1)
	}
}
