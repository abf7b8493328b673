// mcdemo simulates an end to end encrypted conference. Every participant
// runs a real encryption manager, exchanges keys over a websocket signaling
// bus and streams synthetic audio frames through its transforms, while a
// churning member exercises the key rotation paths.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/companyzero/mediacrypt/lockfile"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

func realMain() error {
	// Main context.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Settings.
	cfg, err := obtainSettings()
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
	logLevel, ok := slog.LevelFromString(cfg.DebugLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", cfg.DebugLevel)
	}
	log := logBknd.Logger("DEMO")
	log.SetLevel(logLevel)
	log.Infof("Running mcdemo version %s", version())

	// Ensure a single instance on this root dir.
	lockFilePath := filepath.Join(cfg.Root, "mcdemo.lock")
	ctxLF, cancelLF := context.WithTimeout(context.Background(), time.Second)
	lf, err := lockfile.Acquire(ctxLF, lockFilePath)
	cancelLF()
	if err != nil {
		return fmt.Errorf("unable to acquire lockfile %q: %v", lockFilePath, err)
	}
	defer lf.Close()

	// Profiler
	if cfg.Profile != "" {
		profileRedirect := http.RedirectHandler("/debug/pprof", http.StatusSeeOther)
		http.Handle("/", profileRedirect)
		go func() {
			log.Infof("Starting profile server on %s", cfg.Profile)
			err := http.ListenAndServe(cfg.Profile, nil)
			if err != nil {
				log.Errorf("Unable to run profiler: %v", err)
			}
		}()
	}

	conf := newConference(cfg, logBknd, logLevel)
	err = conf.run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Infof("Conference finished")
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
