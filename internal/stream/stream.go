package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/streamwatch/streamwatch/internal/credential"
)

// ErrMalformedRecord marks wire lines that cannot be routed: invalid JSON,
// missing payload, or no usable rule tags.
var ErrMalformedRecord = errors.New("malformed stream record")

// Transport opens streaming connections for a credential.
type Transport interface {
	// Open starts a streaming session. The session's reads are tied to ctx:
	// canceling it aborts a blocked Next.
	Open(ctx context.Context, cred credential.Credential) (Session, error)

	// IncrementalRules reports whether rule changes apply to live
	// connections. When false the supervisor recreates sessions after
	// attach and detach.
	IncrementalRules() bool
}

// Session yields raw record lines from one streaming connection. Close may
// be called concurrently with Next to abort a blocked read.
type Session interface {
	Next() ([]byte, error)
	Close() error
}

// RecordSink stores record lines routed to a crawler.
type RecordSink interface {
	Append(crawler string, line []byte) error
}

// RecordCounter accumulates per-crawler record counts.
type RecordCounter interface {
	AddRecords(name string, n int64)
}

// Record is one parsed wire line: the verbatim payload plus the crawler
// names whose rules matched, deduplicated.
type Record struct {
	Raw  []byte
	Tags []string
}

type wireRecord struct {
	Data          json.RawMessage `json:"data"`
	MatchingRules []wireRule      `json:"matching_rules"`
}

type wireRule struct {
	ID  string `json:"id"`
	Tag string `json:"tag"`
}

// ParseRecord validates one wire line and extracts its routing tags. The
// original bytes are preserved untouched for sinks.
func ParseRecord(line []byte) (Record, error) {
	var wire wireRecord
	if err := json.Unmarshal(line, &wire); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if len(wire.Data) == 0 {
		return Record{}, fmt.Errorf("%w: no data payload", ErrMalformedRecord)
	}
	if len(wire.MatchingRules) == 0 {
		return Record{}, fmt.Errorf("%w: no matching rules", ErrMalformedRecord)
	}

	seen := make(map[string]struct{}, len(wire.MatchingRules))
	tags := make([]string, 0, len(wire.MatchingRules))
	for _, rule := range wire.MatchingRules {
		if rule.Tag == "" {
			continue
		}
		if _, ok := seen[rule.Tag]; ok {
			continue
		}
		seen[rule.Tag] = struct{}{}
		tags = append(tags, rule.Tag)
	}
	if len(tags) == 0 {
		return Record{}, fmt.Errorf("%w: no usable rule tags", ErrMalformedRecord)
	}
	return Record{Raw: line, Tags: tags}, nil
}
