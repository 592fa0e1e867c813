package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"opsync/internal/config"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const snapshotPrefix = "queue_"

// Snapshotter periodically copies the queue database so a corrupted file can
// be replaced without losing every pending operation.
type Snapshotter struct {
	db     *DB
	cfg    config.SnapshotConfig
	clock  clockwork.Clock
	logger zerolog.Logger
}

func NewSnapshotter(db *DB, cfg config.SnapshotConfig, clock clockwork.Clock, logger *zerolog.Logger) *Snapshotter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "snapshot").Logger()
	}
	return &Snapshotter{db: db, cfg: cfg, clock: clock, logger: l}
}

// Run takes a snapshot immediately and then on every interval until ctx ends.
func (s *Snapshotter) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("queue snapshots disabled")
		return
	}

	s.logger.Info().Dur("interval", s.cfg.Interval).Str("dir", s.cfg.Dir).Msg("queue snapshots started")

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Snapshot(ctx); err != nil {
			s.logger.Error().Err(err).Msg("queue snapshot failed")
		} else {
			s.Prune()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// Snapshot writes a consistent copy of the database with VACUUM INTO and
// returns its path.
func (s *Snapshotter) Snapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := snapshotPrefix + s.clock.Now().UTC().Format("20060102T150405.000000000") + ".db"
	path := filepath.Join(s.cfg.Dir, name)

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("failed to snapshot queue database: %w", err)
	}

	s.logger.Debug().Str("path", path).Msg("queue snapshot written")
	return path, nil
}

// Prune keeps the newest cfg.Keep snapshots and deletes the rest.
func (s *Snapshotter) Prune() {
	if s.cfg.Keep <= 0 {
		return
	}

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read snapshot directory")
		return
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), snapshotPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) <= s.cfg.Keep {
		return
	}

	// timestamps sort lexically
	sort.Strings(names)
	for _, name := range names[:len(names)-s.cfg.Keep] {
		if err := os.Remove(filepath.Join(s.cfg.Dir, name)); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("failed to delete old snapshot")
			continue
		}
		s.logger.Info().Str("file", name).Msg("deleted old snapshot")
	}
}
