// Package lockfile guards an application dir against concurrent use by a
// second process.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// LockFile is a held single instance lock.
type LockFile struct {
	f *lockedfile.File
}

// Close releases the lock.
func (lf *LockFile) Close() error {
	if lf.f == nil {
		return fmt.Errorf("nil internal locked file")
	}
	return lf.f.Close()
}

// Acquire takes the single instance lock at filePath, creating parent dirs
// as needed. It blocks while another process holds the lock, until the
// context is canceled.
func Acquire(ctx context.Context, filePath string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o0700); err != nil {
		return nil, err
	}

	// lockedfile has no context support, so race the blocking create
	// against ctx on a helper goroutine.
	cf := make(chan *lockedfile.File, 1)
	cerr := make(chan error, 1)
	go func() {
		f, err := lockedfile.Create(filePath)
		if err != nil {
			cerr <- err
			return
		}
		cf <- f
	}()

	select {
	case f := <-cf:
		// Identify the holder for whoever finds the dir locked. Not
		// fatal when any of these fail to write.
		fmt.Fprintf(f, "PID=%d\n", os.Getpid())
		host, _ := os.Hostname()
		fmt.Fprintf(f, "Host=%q\n", host)
		if len(os.Args) > 0 {
			fmt.Fprintf(f, "Process=%q\n", os.Args[0])
		}
		return &LockFile{f: f}, nil

	case err := <-cerr:
		return nil, err

	case <-ctx.Done():
		// The create may still succeed after the caller gave up, so
		// make sure the lock is released when it ever does.
		go func() {
			select {
			case <-cerr:
			case f := <-cf:
				f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
