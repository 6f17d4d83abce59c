package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// ErrLocked is returned by Store.Lock when another process holds the state
// file.
var ErrLocked = errors.New("state file is locked by another run")

// Store owns the State for one process: it loads it once, applies the
// mutations of a sync pass and writes it back.
type Store struct {
	path       string
	hysteresis float64
	now        func() time.Time
	log        zerolog.Logger

	state *State
	// ids committed since the last Load; Trim never drops these.
	session map[int64]struct{}
	lock    *flock.Flock
}

type StoreOption func(*Store)

// WithClock overrides the time source used for fresh states and run
// outcomes.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithHysteresis sets how far over the retention ceiling the processed set
// may grow before Trim cuts it back. The default is 1.5.
func WithHysteresis(factor float64) StoreOption {
	return func(s *Store) { s.hysteresis = factor }
}

func NewStore(path string, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		path:       path,
		hysteresis: 1.5,
		now:        time.Now,
		log:        logger.With().Str("component", "state").Logger(),
		session:    make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = NewState(s.now())
	return s
}

// Lock takes a non-blocking advisory lock next to the state file so that two
// overlapping invocations cannot interleave their passes.
func (s *Store) Lock() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	s.lock = flock.New(s.path + ".lock")
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock state: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

func (s *Store) Unlock() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Load reads the state file. A missing, unreadable or malformed file never
// fails: it yields a fresh state whose watermark is the current time.
func (s *Store) Load() *State {
	s.session = make(map[int64]struct{})

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Info().Str("path", s.path).Msg("No state file, starting fresh")
		} else {
			s.log.Warn().Err(err).Str("path", s.path).Msg("Failed to read state, starting fresh")
		}
		s.state = NewState(s.now())
		return s.state
	}

	state, err := decodeState(data)
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("Malformed state file, starting fresh")
		s.state = NewState(s.now())
		return s.state
	}

	if state.LastCheck.IsZero() {
		state.LastCheck = s.now().UTC().Add(-time.Hour)
		s.log.Warn().Time("last_check", state.LastCheck).Msg("Invalid last check timestamp, looking back one hour")
	}

	s.state = state
	s.log.Info().
		Int("tracked", state.Processed.Len()).
		Time("last_check", state.LastCheck).
		Msg("State loaded")
	return s.state
}

// Save writes the whole state atomically. Failures are returned, not retried.
func (s *Store) Save() error {
	data, err := encodeState(s.state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	s.log.Debug().Str("path", s.path).Msg("State saved")
	return nil
}

func (s *Store) State() *State {
	return s.state
}

func (s *Store) IsProcessed(id int64) bool {
	return s.state.Processed.Has(id)
}

// MarkProcessed commits id. Re-marking a known id changes nothing and
// reports false.
func (s *Store) MarkProcessed(id int64) bool {
	if !s.state.Processed.Add(id) {
		return false
	}
	s.session[id] = struct{}{}
	s.state.TotalProcessed++
	s.log.Debug().Int64("post_id", id).Msg("Post marked processed")
	return true
}

func (s *Store) LastCheck() time.Time {
	return s.state.LastCheck
}

// AdvanceWatermark sets the fetch lower bound. It does not reject backward
// moves; callers keep it monotonic.
func (s *Store) AdvanceWatermark(t time.Time) {
	s.state.LastCheck = t.UTC()
	s.log.Debug().Time("last_check", s.state.LastCheck).Msg("Watermark updated")
}

func (s *Store) RecordRunOutcome(success bool) {
	if success {
		s.state.LastSuccessfulRun = s.now().UTC()
		return
	}
	s.state.ErrorCount++
}

// Trim bounds the processed set. Once it holds more than ceiling×hysteresis
// ids it is cut back to ceiling: ids committed since Load are always kept and
// the rest of the room goes to the highest remaining ids. A ceiling below 1
// disables trimming. Returns the number of ids dropped.
func (s *Store) Trim(ceiling int) int {
	set := s.state.Processed
	if ceiling < 1 || float64(set.Len()) <= float64(ceiling)*s.hysteresis {
		return 0
	}

	var others []int64
	keep := make(map[int64]struct{}, ceiling)
	for _, id := range set.IDs() {
		if _, ok := s.session[id]; ok {
			keep[id] = struct{}{}
		} else {
			others = append(others, id)
		}
	}
	if len(keep) > ceiling {
		s.log.Warn().Int("committed", len(keep)).Int("ceiling", ceiling).Msg("More posts committed this run than the retention ceiling")
	}
	for _, id := range highest(others, ceiling-len(keep)) {
		keep[id] = struct{}{}
	}

	removed := set.Retain(func(id int64) bool {
		_, ok := keep[id]
		return ok
	})
	s.log.Info().Int("kept", set.Len()).Int("removed", removed).Msg("Trimmed processed ids")
	return removed
}

type Stats struct {
	TotalProcessed    int
	UniqueTracked     int
	LastCheck         time.Time
	LastSuccessfulRun time.Time
	ErrorsCount       int
}

func (s *Store) Stats() Stats {
	return Stats{
		TotalProcessed:    s.state.TotalProcessed,
		UniqueTracked:     s.state.Processed.Len(),
		LastCheck:         s.state.LastCheck,
		LastSuccessfulRun: s.state.LastSuccessfulRun,
		ErrorsCount:       s.state.ErrorCount,
	}
}

// writeFileAtomic writes data to a temporary file in the same directory and
// renames it over name, so readers see either the old or the new content.
func writeFileAtomic(name string, data []byte, perm os.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Chmod(perm); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), name)
}
