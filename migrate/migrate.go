// Package migrate moves the application database to a new location and
// converts configured field values between plaintext and encrypted form.
//
// Both migrations can be retried after an interruption. A path migration
// never modifies the source file; a field migration leaves rows it already
// converted converted, and the next run skips them.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/jmcleod/strongroom/config"
	"github.com/jmcleod/strongroom/fieldcrypt"
	"github.com/jmcleod/strongroom/filecrypt"
)

var (
	// ErrLocked is returned when another migration holds the source lock.
	ErrLocked = errors.New("database is locked by another migration")
	// ErrSamePath is returned when source and destination are the same file.
	ErrSamePath = errors.New("source and destination are the same")
	// ErrSourceMissing is returned when the source file is absent or empty.
	ErrSourceMissing = errors.New("source database missing or empty")
	// ErrDestinationUnwritable is returned when the destination directory
	// cannot be created or written.
	ErrDestinationUnwritable = errors.New("destination is not writable")
	// ErrInsufficientSpace is returned when the destination volume has less
	// free space than required.
	ErrInsufficientSpace = errors.New("insufficient free space at destination")
	// ErrVerifyFailed is returned when the destination is missing or empty
	// after the copy.
	ErrVerifyFailed = errors.New("destination verification failed")
	// ErrNoDatabase is returned by field migrations without a database.
	ErrNoDatabase = errors.New("no database configured for field migration")
	// ErrNoFieldCipher is returned by field migrations without a cipher.
	ErrNoFieldCipher = errors.New("no field cipher configured for field migration")
)

// Config holds the migration parameters.
type Config struct {
	// Tables lists the tables and columns field migrations visit.
	Tables []config.Table
	// MinFreeBytes is the free space a path migration destination needs
	// on top of the size of the database.
	MinFreeBytes uint64
}

// FromConfig extracts the migration parameters from c.
func FromConfig(c config.Config) Config {
	return Config{Tables: c.Tables, MinFreeBytes: c.MinFreeBytes}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// WithDB sets the database field migrations operate on. The caller owns
// db and must close other connections to the file first.
func WithDB(db *sql.DB) Option {
	return func(c *Coordinator) {
		c.db = db
	}
}

// WithFieldCipher sets the cipher for field migrations.
func WithFieldCipher(fc *fieldcrypt.Cipher) Option {
	return func(c *Coordinator) {
		c.fields = fc
	}
}

// WithFileCipher sets the cipher for path migrations.
func WithFileCipher(fc *filecrypt.Cipher) Option {
	return func(c *Coordinator) {
		c.files = fc
	}
}

// WithRegisterer registers the migration metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.reg = reg
	}
}

// freeSpaceFunc reports the free bytes on the volume holding dir.
type freeSpaceFunc func(ctx context.Context, dir string) (uint64, error)

func diskFree(ctx context.Context, dir string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// Coordinator runs migrations.
type Coordinator struct {
	cfg       Config
	db        *sql.DB
	fields    *fieldcrypt.Cipher
	files     *filecrypt.Cipher
	reg       prometheus.Registerer
	metrics   *metrics
	freeSpace freeSpaceFunc
	log       *slog.Logger
}

// New returns a Coordinator. A zero MinFreeBytes uses
// config.DefaultMinFreeBytes.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = config.DefaultMinFreeBytes
	}
	c := &Coordinator{
		cfg:       cfg,
		freeSpace: diskFree,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.files == nil {
		c.files = filecrypt.New(filecrypt.WithLogger(c.log))
	}
	m, err := newMetrics(c.reg)
	if err != nil {
		return nil, err
	}
	c.metrics = m
	return c, nil
}
