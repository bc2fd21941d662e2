// Package publish pushes generated output to the remote web host.
package publish

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config describes the rsync destination.
type Config struct {
	// LocalDir is the generated output directory.
	LocalDir string
	// RemoteHost is the ssh destination ("user@host"). Empty disables
	// publishing.
	RemoteHost string
	// RemotePath is the document root on the remote host.
	RemotePath string
	// Timeout bounds one rsync invocation.
	Timeout time.Duration
}

// Rsync publishes via the rsync binary.
type Rsync struct {
	cfg    Config
	logger *zap.Logger

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewRsync creates a publisher.
func NewRsync(cfg Config, logger *zap.Logger) *Rsync {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LocalDir == "" {
		cfg.LocalDir = "html"
	}
	return &Rsync{
		cfg:    cfg,
		logger: logger,
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// Configured reports whether a remote destination is set.
func (r *Rsync) Configured() bool {
	return strings.TrimSpace(r.cfg.RemoteHost) != "" && strings.TrimSpace(r.cfg.RemotePath) != ""
}

// Publish syncs the local output tree to the remote host, deleting
// remote files that no longer exist locally.
func (r *Rsync) Publish(ctx context.Context) error {
	if !r.Configured() {
		return fmt.Errorf("publish destination is not configured")
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	destination := r.cfg.RemoteHost + ":" + r.cfg.RemotePath
	started := time.Now()
	output, err := r.runCommand(ctx, "rsync", "-az", "--delete", r.cfg.LocalDir+"/", destination)
	if err != nil {
		return fmt.Errorf("rsync to %s: %w: %s", destination, err, strings.TrimSpace(string(output)))
	}

	r.logger.Info("published output",
		zap.String("destination", destination),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}
