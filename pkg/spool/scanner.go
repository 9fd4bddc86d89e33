package spool

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Cue/greplin-exception-catcher/pkg/report"
)

// Sink receives ingested records. *report.Reporter satisfies it.
type Sink interface {
	Enqueue(records ...report.Record) int
	Room() int
}

// Config configures a Scanner
type Config struct {
	// Dir is the spool directory
	Dir string

	// Hold keeps ingested files claimed until Settle confirms their records
	// were delivered. Release puts back whatever is still held.
	Hold bool

	// Project and Environment are the identity records are synced under.
	// Files that name a different one are logged.
	Project     string
	Environment string

	// Logger
	Logger *slog.Logger
}

// ScanResult counts what one Scan did
type ScanResult struct {
	// Ingested files were enqueued, then deleted or held
	Ingested int `json:"ingested"`

	// Rejected files were unreadable; bad JSON is deleted, I/O failures are struck
	Rejected int `json:"rejected"`

	// Deferred files were left in place because the queue had no room
	Deferred int `json:"deferred"`
}

// Scanner ingests spooled files into a Sink
type Scanner struct {
	dir         string
	sink        Sink
	hold        bool
	project     string
	environment string
	logger      *slog.Logger

	mu   sync.Mutex
	held map[string]string // record ID -> original file name
}

// NewScanner creates a scanner for cfg.Dir, creating the directory if needed
func NewScanner(sink Sink, cfg Config) (*Scanner, error) {
	if sink == nil {
		return nil, fmt.Errorf("spool: sink is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("spool: directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("spool: failed to create directory: %w", err)
	}

	return &Scanner{
		dir:         cfg.Dir,
		sink:        sink,
		hold:        cfg.Hold,
		project:     cfg.Project,
		environment: cfg.Environment,
		logger:      cfg.Logger.With("dir", cfg.Dir),
		held:        make(map[string]string),
	}, nil
}

type candidate struct {
	name    string
	modTime time.Time
}

// Scan ingests finished files, oldest first. It never takes more files than
// the sink has room for, so spooled reports are not evicted on arrival.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult

	candidates, err := s.list()
	if err != nil {
		return res, err
	}

	room := s.sink.Room()
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if res.Ingested >= room {
			res.Deferred++
			continue
		}

		ok, err := s.ingest(c)
		switch {
		case err != nil:
			res.Rejected++
			s.logger.Warn("rejected spool file", "file", c.name, "error", err)
		case ok:
			res.Ingested++
		}
	}

	if res.Ingested > 0 || res.Rejected > 0 {
		s.logger.Info("spool scan complete",
			"ingested", res.Ingested,
			"rejected", res.Rejected,
			"deferred", res.Deferred,
		)
	}
	return res, nil
}

func (s *Scanner) list() ([]candidate, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: failed to read directory: %w", err)
	}

	var out []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, Suffix) || strings.HasPrefix(name, strikePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Claimed by someone else between ReadDir and Info
			continue
		}
		out = append(out, candidate{name: name, modTime: info.ModTime()})
	}

	slices.SortFunc(out, func(a, b candidate) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})
	return out, nil
}

// ingest claims one file, enqueues its record and deletes or holds it. It
// returns false without error when another process claimed the file first.
func (s *Scanner) ingest(c candidate) (bool, error) {
	path := filepath.Join(s.dir, c.name)
	claimed := path + processingSuffix

	if err := os.Rename(path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim: %w", err)
	}

	data, err := os.ReadFile(claimed)
	if err != nil {
		s.strike(c.name, claimed)
		return false, fmt.Errorf("failed to read: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Debug("unparseable spool file", "file", c.name, "content", truncate(string(data), 512))
		_ = os.Remove(claimed)
		return false, fmt.Errorf("invalid JSON: %w", err)
	}

	s.checkIdentity(c.name, e)
	rec := e.Record(c.modTime)
	s.sink.Enqueue(rec)

	if s.hold {
		s.mu.Lock()
		s.held[rec.ID] = c.name
		s.mu.Unlock()
		return true, nil
	}

	if err := os.Remove(claimed); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove ingested file", "file", c.name, "error", err)
	}
	return true, nil
}

// checkIdentity logs files written for another project or environment; their
// records are synced under the scanner's identity.
func (s *Scanner) checkIdentity(name string, e Entry) {
	if (e.Project != "" && e.Project != s.project) || (e.Environment != "" && e.Environment != s.environment) {
		s.logger.Debug("spool file identity differs from reporter, relabelling",
			"file", name,
			"file_project", e.Project,
			"file_environment", e.Environment,
			"project", s.project,
			"environment", s.environment,
		)
	}
}

// Settle deletes held files whose records are no longer in pending, i.e. they
// were synced (or evicted) since the scan. It returns how many were deleted.
func (s *Scanner) Settle(pending []report.Record) int {
	still := make(map[string]struct{}, len(pending))
	for _, r := range pending {
		still[r.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	settled := 0
	for id, name := range s.held {
		if _, ok := still[id]; ok {
			continue
		}
		claimed := filepath.Join(s.dir, name+processingSuffix)
		if err := os.Remove(claimed); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove delivered file", "file", name, "error", err)
			continue
		}
		delete(s.held, id)
		settled++
	}
	return settled
}

// Release returns every held file to the spool under its original name so a
// later scan picks it up again. It returns how many were restored.
func (s *Scanner) Release() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for id, name := range s.held {
		path := filepath.Join(s.dir, name)
		if err := os.Rename(path+processingSuffix, path); err != nil {
			s.logger.Error("failed to return file to spool", "file", name, "error", err)
			continue
		}
		delete(s.held, id)
		released++
	}
	if released > 0 {
		s.logger.Info("returned undelivered files to spool", "files", released)
	}
	return released
}

// Held returns how many files are claimed and waiting for Settle or Release
func (s *Scanner) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// strike renames a claimed file so later scans skip it
func (s *Scanner) strike(name, claimed string) {
	if err := os.Rename(claimed, filepath.Join(s.dir, strikePrefix+name)); err != nil {
		s.logger.Error("failed to strike spool file", "file", name, "error", err)
	}
}

// Watch scans every interval until ctx is done
func (s *Scanner) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("spool: interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("spool scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
