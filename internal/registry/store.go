package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/rules"
)

const recordFileName = "info.json"

// persistedRecord is the on-disk shape of a crawler record. The registry must
// read this back exactly, so the field set and key names are part of the
// external contract.
type persistedRecord struct {
	Name      string             `json:"name"`
	Type      string             `json:"type"`
	Targets   []string           `json:"targets"`
	State     string             `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
	Records   int64              `json:"records"`
	Activity  []persistedSegment `json:"activity"`
	Rules     []persistedRule    `json:"rules,omitempty"`
}

type persistedSegment struct {
	Start   time.Time `json:"start"`
	Seconds float64   `json:"seconds"`
}

type persistedRule struct {
	ID         string `json:"id"`
	Credential string `json:"credential"`
}

// writeRecord persists a record atomically: the JSON lands in a temp file in
// the crawler's folder and is renamed over info.json, so a reader never sees
// a partial write even across a crash.
func writeRecord(root string, rec *Record) error {
	dir := filepath.Join(root, rec.Name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create crawler folder: %w", err)
	}

	data, err := json.MarshalIndent(toPersisted(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, recordFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp record file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp record file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, recordFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace record file: %w", err)
	}
	return nil
}

// readRecord loads one crawler folder's info.json.
func readRecord(root, name string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(root, name, recordFileName))
	if err != nil {
		return nil, err
	}
	var stored persistedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return fromPersisted(&stored), nil
}

// scanRecords walks the root directory, returning a record per crawler
// folder. Folders without a readable record file are skipped with a warning
// rather than failing the whole load.
func scanRecords(root string, log *zap.Logger) ([]*Record, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := readRecord(root, entry.Name())
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Warn("skipping unreadable crawler folder",
				zap.String("folder", entry.Name()), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func toPersisted(rec *Record) *persistedRecord {
	out := &persistedRecord{
		Name:      rec.Name,
		Type:      string(rec.Kind),
		Targets:   rec.Targets,
		State:     string(rec.State),
		CreatedAt: rec.CreatedAt,
		Records:   rec.Records,
		Activity:  make([]persistedSegment, len(rec.Activity)),
	}
	for i, seg := range rec.Activity {
		out.Activity[i] = persistedSegment{Start: seg.Start, Seconds: seg.Duration.Seconds()}
	}
	for _, ref := range rec.Rules {
		out.Rules = append(out.Rules, persistedRule{ID: ref.ID, Credential: ref.Credential})
	}
	return out
}

func fromPersisted(stored *persistedRecord) *Record {
	rec := &Record{
		Name:      stored.Name,
		Kind:      rules.Kind(stored.Type),
		Targets:   stored.Targets,
		State:     State(stored.State),
		CreatedAt: stored.CreatedAt,
		Records:   stored.Records,
		Activity:  make([]Segment, len(stored.Activity)),
	}
	for i, seg := range stored.Activity {
		rec.Activity[i] = Segment{
			Start:    seg.Start,
			Duration: time.Duration(seg.Seconds * float64(time.Second)),
		}
	}
	for _, ref := range stored.Rules {
		rec.Rules = append(rec.Rules, RuleRef{ID: ref.ID, Credential: ref.Credential})
	}
	return rec
}
