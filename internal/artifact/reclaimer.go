// Package artifact clears the on-disk session state an automation client leaves per tenant,
// so the next client starts unpaired and produces a fresh pairing code.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

const trashMarker = ".trash-"

// Reclaimer renames a tenant's artifact directory aside and deletes it in the background.
// The rename is retried a bounded number of times to ride out file locks held by a client
// that is still shutting down.
type Reclaimer struct {
	dir      string
	attempts int
	interval time.Duration

	wg sync.WaitGroup
}

// NewReclaimer creates a Reclaimer rooted at dir.
func NewReclaimer(dir string, attempts int) *Reclaimer {
	if attempts <= 0 {
		attempts = 5
	}
	return &Reclaimer{dir: dir, attempts: attempts, interval: 200 * time.Millisecond}
}

// Path returns the artifact directory of a tenant.
func (r *Reclaimer) Path(tenantID string) string {
	return filepath.Join(r.dir, "session-"+tenantID)
}

// Reclaim moves the tenant's artifact out of the way. It returns once the rename succeeded;
// deletion continues in the background. A missing artifact is not an error.
func (r *Reclaimer) Reclaim(ctx context.Context, tenantID string) error {
	src := r.Path(tenantID)
	dst := src + trashMarker + uuid.NewString()
	log := logger.FromContext(ctx).With(zap.String("artifact", src))

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(r.interval), uint64(r.attempts-1))
	rename := func() error {
		err := os.Rename(src, dst)
		if errors.Is(err, fs.ErrNotExist) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(rename, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Debug("Artifact busy, retrying rename", zap.Error(err), zap.Duration("after", d))
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reclaim artifact %s: %w", src, err)
	}

	r.removeAsync(dst)
	log.Info("Session artifact reclaimed")
	return nil
}

func (r *Reclaimer) removeAsync(path string) {
	r.wg.Add(1)
	utils.SafeGo(func() {
		defer r.wg.Done()
		b := backoff.WithMaxRetries(backoff.NewConstantBackOff(r.interval), uint64(r.attempts-1))
		if err := backoff.Retry(func() error { return os.RemoveAll(path) }, b); err != nil {
			logger.Log.Warn("Failed to delete reclaimed artifact", zap.String("path", path), zap.Error(err))
		}
	}, nil)
}

// Sweep deletes trash left behind by a previous process.
func (r *Reclaimer) Sweep() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), trashMarker) {
			r.removeAsync(filepath.Join(r.dir, e.Name()))
		}
	}
}

// Wait blocks until pending background deletions finish.
func (r *Reclaimer) Wait() {
	r.wg.Wait()
}
