package credential

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// credentialLine is the wire shape of one credentials-file entry.
type credentialLine struct {
	User        string `json:"user"`
	AppName     string `json:"app_name"`
	BearerToken string `json:"bearer_token"`
}

// LoadFile reads credentials from a JSONL file, one object per line with the
// fields user, app_name, and bearer_token. Malformed, incomplete, and
// duplicate lines are skipped with a warning rather than failing the load; an
// empty result is an error because the service cannot place rules without at
// least one credential.
func LoadFile(path string, log *zap.Logger) ([]*Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credentials file: %w", err)
	}
	defer f.Close()

	var (
		creds []*Credential
		seen  = make(map[string]struct{})
	)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry credentialLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			log.Warn("skipping malformed credential line",
				zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		if entry.User == "" || entry.AppName == "" || entry.BearerToken == "" {
			log.Warn("skipping incomplete credential line",
				zap.Int("line", lineNo))
			continue
		}
		cred := &Credential{User: entry.User, App: entry.AppName, Bearer: entry.BearerToken}
		if _, dup := seen[cred.Label()]; dup {
			log.Warn("skipping duplicate credential",
				zap.Int("line", lineNo), zap.String("credential", cred.Label()))
			continue
		}
		seen[cred.Label()] = struct{}{}
		creds = append(creds, cred)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("no usable credentials in %s", path)
	}
	return creds, nil
}
