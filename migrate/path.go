package migrate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/strongroom/filecrypt"
)

// Sidecars are the suffixes of the files SQLite keeps next to a database in
// WAL mode.
var Sidecars = []string{"-wal", "-shm"}

const lockRetryDelay = 100 * time.Millisecond

// PathResult describes a completed path migration.
type PathResult struct {
	RunID       string
	Source      string
	Destination string
	// Encrypted reports whether the database was encrypted, and so is
	// encrypted at the destination too.
	Encrypted bool
	Bytes     int64
	// Sidecars lists the sidecar files copied.
	Sidecars []string
	// SidecarErrors records sidecars that could not be copied. The
	// database itself was copied.
	SidecarErrors map[string]error
	Duration      time.Duration
}

// MovePath copies the database at src, and its sidecars, to dst. If src is
// encrypted, key must be its key: the copy at dst is encrypted under the
// same key. src is never modified; it stays in place for the caller to
// remove once the application has switched to dst.
//
// MovePath waits for the lock on src until ctx is done, then returns
// ErrLocked.
func (c *Coordinator) MovePath(ctx context.Context, src, dst, key string) (*PathResult, error) {
	start := time.Now()
	res := &PathResult{
		RunID:       uuid.NewString(),
		Source:      src,
		Destination: dst,
	}
	log := c.log.With("run_id", res.RunID, "src", src, "dst", dst)

	absSrc, err := filepath.Abs(src)
	if err != nil {
		return nil, err
	}
	absDst, err := filepath.Abs(dst)
	if err != nil {
		return nil, err
	}
	if absSrc == absDst {
		return nil, ErrSamePath
	}

	lock := flock.New(src + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("locking %s: %w", filepath.Base(src), err)
	}
	if !locked {
		return nil, ErrLocked
	}
	defer func() {
		lock.Unlock()
		os.Remove(lock.Path())
	}()

	info, err := os.Stat(src)
	if err != nil || info.Size() == 0 {
		return nil, ErrSourceMissing
	}
	res.Bytes = info.Size()

	if err := c.checkDestination(ctx, filepath.Dir(dst), uint64(info.Size())); err != nil {
		return nil, err
	}

	res.Encrypted = filecrypt.IsEncrypted(src)
	if res.Encrypted && key == "" {
		return nil, filecrypt.ErrEmptyKey
	}
	defer c.ensureEncrypted(src, key, res.Encrypted)

	copySrc := src
	if res.Encrypted {
		tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+"."+res.RunID+".plain")
		defer os.Remove(tmp)
		if err := c.files.DecryptTo(src, tmp, key); err != nil {
			return nil, err
		}
		copySrc = tmp
	}

	if err := c.copyAll(ctx, copySrc, src, dst, res); err != nil {
		removeAll(dst)
		log.Error("path migration copy failed", "error", err)
		return nil, err
	}

	if res.Encrypted {
		if err := c.files.EncryptFile(dst, key); err != nil {
			removeAll(dst)
			return nil, err
		}
	}

	if err := verifyDestination(dst); err != nil {
		removeAll(dst)
		return nil, err
	}

	res.Duration = time.Since(start)
	c.metrics.duration.WithLabelValues(kindPath).Observe(res.Duration.Seconds())
	log.Info("path migration complete",
		"encrypted", res.Encrypted,
		"bytes", res.Bytes,
		"sidecars", len(res.Sidecars),
		"sidecar_errors", len(res.SidecarErrors))
	return res, nil
}

func (c *Coordinator) checkDestination(ctx context.Context, dir string, need uint64) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %w", ErrDestinationUnwritable, err)
	}
	probe, err := os.CreateTemp(dir, ".strongroom-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDestinationUnwritable, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	free, err := c.freeSpace(ctx, dir)
	if err != nil {
		return fmt.Errorf("reading free space of %s: %w", dir, err)
	}
	if want := need + c.cfg.MinFreeBytes; free < want {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientSpace, free, want)
	}
	return nil
}

// copyAll copies the database from dbSrc and the sidecars next to
// sidecarBase to dst. Only the database copy is required.
func (c *Coordinator) copyAll(ctx context.Context, dbSrc, sidecarBase, dst string, res *PathResult) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return copyFile(gctx, dbSrc, dst)
	})
	for _, suffix := range Sidecars {
		suffix := suffix
		from := sidecarBase + suffix
		if _, err := os.Stat(from); err != nil {
			continue
		}
		g.Go(func() error {
			err := copyFile(gctx, from, dst+suffix)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Warn("sidecar copy failed", "file", from, "error", err)
				if res.SidecarErrors == nil {
					res.SidecarErrors = make(map[string]error)
				}
				res.SidecarErrors[from] = err
				return nil
			}
			res.Sidecars = append(res.Sidecars, from)
			return nil
		})
	}
	return g.Wait()
}

// copyFile copies src to dst through a temporary sibling of dst.
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &filecrypt.OpError{Op: "copy", Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return &filecrypt.OpError{Op: "copy", Path: dst, Err: err}
	}
	tmp := out.Name()
	fail := func(err error) error {
		out.Close()
		os.Remove(tmp)
		return &filecrypt.OpError{Op: "copy", Path: dst, Err: err}
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return &filecrypt.OpError{Op: "copy", Path: dst, Err: err}
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return &filecrypt.OpError{Op: "copy", Path: dst, Err: err}
	}
	return nil
}

// ctxReader stops a copy between reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func verifyDestination(dst string) error {
	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerifyFailed, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrVerifyFailed, dst)
	}
	return nil
}

// ensureEncrypted re-encrypts src if it was encrypted before the migration
// and no longer is.
func (c *Coordinator) ensureEncrypted(src, key string, wasEncrypted bool) {
	if !wasEncrypted || filecrypt.IsEncrypted(src) {
		return
	}
	c.log.Warn("source found decrypted after migration, re-encrypting", "src", src)
	if err := c.files.EncryptFile(src, key); err != nil {
		c.log.Error("re-encrypting source failed", "src", src, "error", err)
	}
}

// removeAll removes dst and its sidecars.
func removeAll(dst string) {
	os.Remove(dst)
	for _, s := range Sidecars {
		os.Remove(dst + s)
	}
}
