// Package userstore owns one SQLite database per user and serializes every
// operation against it on a dedicated goroutine.
package userstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/followcrm/internal/database"
	"github.com/MarcoPoloResearchLab/followcrm/internal/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultQueueSize = 32

var (
	ErrMissingUserID  = errors.New("userstore: user identifier is required")
	ErrRegistryClosed = errors.New("userstore: registry closed")
	errMissingDataDir = errors.New("userstore: data directory is required")
	safeUnitName      = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// OpenFunc opens the database for a named unit.
type OpenFunc func(name string) (*gorm.DB, error)

// Config configures a Registry. Open overrides the file-backed default.
type Config struct {
	DataDir    string
	Models     []any
	Migrations []database.Migration
	Logger     *zap.Logger
	Open       OpenFunc
	QueueSize  int
}

// Registry lazily starts one storage unit per user.
type Registry struct {
	units     *xsync.Map[string, *unit]
	open      OpenFunc
	logger    *zap.Logger
	queueSize int
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewRegistry validates configuration and constructs a registry.
func NewRegistry(cfg Config) (*Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	open := cfg.Open
	if open == nil {
		dataDir := strings.TrimSpace(cfg.DataDir)
		if dataDir == "" {
			return nil, errMissingDataDir
		}
		models := cfg.Models
		migrations := cfg.Migrations
		open = func(name string) (*gorm.DB, error) {
			return database.Open(UnitPath(dataDir, name), logger, models, migrations)
		}
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Registry{
		units:     xsync.NewMap[string, *unit](),
		open:      open,
		logger:    logger,
		queueSize: queueSize,
	}, nil
}

// UnitPath returns the database file for a unit name.
func UnitPath(dataDir, name string) string {
	return filepath.Join(dataDir, "users", name+".db")
}

// UnitName maps a user identifier to a filesystem-safe unit name.
func UnitName(userID string) string {
	if safeUnitName.MatchString(userID) {
		return userID
	}
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

// Do runs fn against the user's database on the user's unit goroutine. Jobs
// for the same user never overlap; jobs for different users never wait on
// each other.
func (r *Registry) Do(ctx context.Context, userID string, fn func(context.Context, *gorm.DB) error) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrMissingUserID
	}
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	target := r.unitFor(UnitName(userID))
	if target == nil {
		return ErrRegistryClosed
	}
	pending := job{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case target.jobs <- pending:
	case <-target.quit:
		return ErrRegistryClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-pending.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every unit and closes their databases.
func (r *Registry) Close() error {
	var closeErr *multierror.Error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.units.Range(func(name string, target *unit) bool {
			close(target.quit)
			<-target.stopped
			if target.closeErr != nil {
				closeErr = multierror.Append(closeErr, fmt.Errorf("close unit %s: %w", name, target.closeErr))
			}
			return true
		})
	})
	return closeErr.ErrorOrNil()
}

func (r *Registry) unitFor(name string) *unit {
	var target *unit
	r.units.Compute(name, func(existing *unit, loaded bool) (*unit, xsync.ComputeOp) {
		if loaded {
			target = existing
			return existing, xsync.CancelOp
		}
		if r.closed.Load() {
			return nil, xsync.CancelOp
		}
		target = newUnit(name, r.queueSize)
		go target.run(r.open, r.logger)
		return target, xsync.UpdateOp
	})
	return target
}

type job struct {
	ctx    context.Context
	fn     func(context.Context, *gorm.DB) error
	result chan error
}

type unit struct {
	name     string
	jobs     chan job
	quit     chan struct{}
	stopped  chan struct{}
	db       *gorm.DB
	closeErr error
}

func newUnit(name string, queueSize int) *unit {
	return &unit{
		name:    name,
		jobs:    make(chan job, queueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (u *unit) run(open OpenFunc, logger *zap.Logger) {
	defer close(u.stopped)
	for {
		select {
		case pending := <-u.jobs:
			pending.result <- u.execute(pending, open, logger)
		case <-u.quit:
			u.shutdown(logger)
			return
		}
	}
}

func (u *unit) execute(pending job, open OpenFunc, logger *zap.Logger) (err error) {
	if ctxErr := pending.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if u.db == nil {
		db, openErr := open(u.name)
		if openErr != nil {
			logger.Error("storage unit open failed", zap.String("unit", u.name), zap.Error(openErr))
			return fmt.Errorf("open storage unit: %w", openErr)
		}
		u.db = db
		metrics.OpenUnits.Inc()
		logger.Debug("storage unit opened", zap.String("unit", u.name))
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("storage unit job panicked", zap.String("unit", u.name), zap.Any("panic", recovered))
			err = fmt.Errorf("storage unit job panicked: %v", recovered)
		}
	}()
	return pending.fn(pending.ctx, u.db)
}

func (u *unit) shutdown(logger *zap.Logger) {
	for {
		select {
		case pending := <-u.jobs:
			pending.result <- ErrRegistryClosed
		default:
			if u.db == nil {
				return
			}
			sqlDB, err := u.db.DB()
			if err == nil {
				err = sqlDB.Close()
			}
			u.closeErr = err
			u.db = nil
			metrics.OpenUnits.Dec()
			logger.Debug("storage unit closed", zap.String("unit", u.name))
			return
		}
	}
}
