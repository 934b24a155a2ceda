// Package sink persists collected stream records to per-crawler day files.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/clock"
)

const dayLayout = "2006-01-02"

// FileName returns the crawler-relative day-file name records land in at the
// given instant.
func FileName(crawler string, now time.Time) string {
	return filepath.Join(crawler, now.UTC().Format(dayLayout)+".jsonl")
}

// DayFile appends records to <root>/<crawler>/<YYYY-MM-DD>.jsonl, one JSON
// line per record. Files roll over at UTC midnight and handles stay open
// between appends so a busy stream costs one write per record.
type DayFile struct {
	root string
	clk  clock.Clock
	log  *zap.Logger

	mu    sync.Mutex
	files map[string]*dayHandle
}

type dayHandle struct {
	day  string
	file *os.File
}

// NewDayFile creates a day-file sink rooted at dir.
func NewDayFile(dir string, clk clock.Clock, log *zap.Logger) *DayFile {
	return &DayFile{
		root:  dir,
		clk:   clk,
		log:   log,
		files: make(map[string]*dayHandle),
	}
}

// Append writes one record line to the crawler's current day file. The line
// is stored verbatim, with a trailing newline added when missing.
func (s *DayFile) Append(crawler string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.clk.Now().UTC().Format(dayLayout)
	h, err := s.handleLocked(crawler, day)
	if err != nil {
		return err
	}

	if n := len(line); n == 0 || line[n-1] != '\n' {
		line = append(append([]byte(nil), line...), '\n')
	}
	if _, err := h.file.Write(line); err != nil {
		return fmt.Errorf("append record for %q: %w", crawler, err)
	}
	return nil
}

// CloseCrawler releases the crawler's open file handle, if any. Called when
// a crawler leaves the active state; a later Append reopens the file.
func (s *DayFile) CloseCrawler(crawler string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.files[crawler]; ok {
		if err := h.file.Close(); err != nil {
			s.log.Warn("closing day file", zap.String("crawler", crawler), zap.Error(err))
		}
		delete(s.files, crawler)
	}
}

// Close releases every open file handle.
func (s *DayFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for crawler, h := range s.files {
		if err := h.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close day file for %q: %w", crawler, err)
		}
	}
	s.files = make(map[string]*dayHandle)
	return firstErr
}

func (s *DayFile) handleLocked(crawler, day string) (*dayHandle, error) {
	if h, ok := s.files[crawler]; ok {
		if h.day == day {
			return h, nil
		}
		if err := h.file.Close(); err != nil {
			s.log.Warn("closing rotated day file", zap.String("crawler", crawler), zap.Error(err))
		}
		delete(s.files, crawler)
	}

	dir := filepath.Join(s.root, crawler)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create crawler directory: %w", err)
	}
	path := filepath.Join(dir, day+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open day file %s: %w", path, err)
	}

	h := &dayHandle{day: day, file: file}
	s.files[crawler] = h
	return h, nil
}
