package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/pulse/internal/logger"
	"github.com/michaelbrown/pulse/internal/metrics"
)

// Sweep removes files in the manager's directories that carry the workspace
// prefix, are older than maxAge, and belong to no live workspace. These are
// leftovers from a process that died mid-submission.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	dirs := []string{m.dir}
	if m.artifactDir != m.dir {
		dirs = append(dirs, m.artifactDir)
	}

	removed := 0
	var errs []error
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("reading %s: %w", dir, err))
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), m.prefix) {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if m.owned(path) {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	metrics.SweptWorkspaces.Add(float64(removed))
	return removed, errors.Join(errs...)
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	m      *Manager
	maxAge time.Duration
	cron   *cron.Cron
	log    zerolog.Logger
}

// NewSweeper schedules sweeps of m. schedule uses cron syntax, including
// descriptors such as "@every 10m".
func NewSweeper(m *Manager, schedule string, maxAge time.Duration) (*Sweeper, error) {
	s := &Sweeper{
		m:      m,
		maxAge: maxAge,
		cron:   cron.New(),
		log:    logger.With("sweeper"),
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("scheduling sweep %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	n, err := s.m.Sweep(s.maxAge)
	if err != nil {
		s.log.Warn().Err(err).Int("removed", n).Msg("workspace sweep incomplete")
		return
	}
	if n > 0 {
		s.log.Info().Int("removed", n).Msg("removed orphaned workspace files")
	}
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
