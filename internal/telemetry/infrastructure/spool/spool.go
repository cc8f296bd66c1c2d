package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxReplayAttempts bounds how many failed replay passes a payload survives
// before it is parked for manual inspection.
const MaxReplayAttempts = 5

const parkedDir = "parked"

// Spool is a directory of undelivered uplink payloads. Writes are cheap and
// survive a restart; replay walks files oldest first and removes each one
// only after its handler succeeds. Payloads that keep failing are moved to
// the parked/ subdirectory instead of being retried forever.
type Spool struct {
	dir string
	mu  sync.Mutex
	seq int64
}

// New creates the spool directory if needed.
func New(dir string) (*Spool, error) {
	if dir == "" {
		return nil, errors.New("spool: empty dir")
	}
	if err := os.MkdirAll(filepath.Join(dir, parkedDir), 0o755); err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Write persists one payload for later replay.
func (s *Spool) Write(devEUI string, raw []byte) error {
	if s == nil {
		return errors.New("spool: nil spool")
	}
	if len(raw) == 0 {
		return errors.New("spool: empty payload")
	}
	if devEUI == "" {
		devEUI = "unknown"
	}

	s.mu.Lock()
	s.seq++
	name := fmt.Sprintf("%d_%06d_%s.json", time.Now().UTC().UnixNano(), s.seq, devEUI)
	s.mu.Unlock()

	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	return nil
}

// ReplayAll feeds every spooled payload to handle, oldest first. A payload
// is removed on success; on failure its attempt counter is bumped and it is
// kept for the next pass until MaxReplayAttempts, when it is parked. Returns
// how many payloads were replayed successfully.
func (s *Spool) ReplayAll(ctx context.Context, handle func(ctx context.Context, raw []byte) error) (int, error) {
	if s == nil {
		return 0, errors.New("spool: nil spool")
	}
	names, err := s.list()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		path := filepath.Join(s.dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return replayed, fmt.Errorf("spool: %w", err)
		}
		if err := handle(ctx, raw); err != nil {
			s.recordFailure(name)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return replayed, fmt.Errorf("spool: %w", err)
		}
		replayed++
	}
	return replayed, nil
}

// recordFailure bumps the attempt counter encoded in the filename. A rename
// failure leaves the payload in place to be retried next pass.
func (s *Spool) recordFailure(name string) {
	attempts := replayAttempts(name) + 1
	old := filepath.Join(s.dir, name)
	if attempts >= MaxReplayAttempts {
		_ = os.Rename(old, filepath.Join(s.dir, parkedDir, name))
		return
	}
	_ = os.Rename(old, filepath.Join(s.dir, withAttempts(name, attempts)))
}

// Parked counts payloads that exhausted their replay attempts.
func (s *Spool) Parked() (int, error) {
	if s == nil {
		return 0, errors.New("spool: nil spool")
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, parkedDir))
	if err != nil {
		return 0, fmt.Errorf("spool: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			count++
		}
	}
	return count, nil
}

// Backlog counts payloads waiting for replay.
func (s *Spool) Backlog() (int, error) {
	if s == nil {
		return 0, errors.New("spool: nil spool")
	}
	names, err := s.list()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (s *Spool) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// replayAttempts decodes the ".rN" counter from a spool filename, 0 when
// the payload has never failed a replay.
func replayAttempts(name string) int {
	base := strings.TrimSuffix(name, ".json")
	if i := strings.LastIndex(base, ".r"); i >= 0 {
		if n, err := strconv.Atoi(base[i+2:]); err == nil {
			return n
		}
	}
	return 0
}

func withAttempts(name string, attempts int) string {
	base := strings.TrimSuffix(name, ".json")
	if i := strings.LastIndex(base, ".r"); i >= 0 {
		if _, err := strconv.Atoi(base[i+2:]); err == nil {
			base = base[:i]
		}
	}
	return fmt.Sprintf("%s.r%d.json", base, attempts)
}
