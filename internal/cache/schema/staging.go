package schema

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IsStagingFile reports whether path names a file the staging reader accepts.
func IsStagingFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl":
		return true
	}
	return false
}

// ReadEventRecords parses remote event records from a staging file.
//
// A .jsonl file holds one record per line. A .json file holds either a single
// record or an array of records. Records failing validation are rejected with
// the offending line or index in the error.
func ReadEventRecords(path string) ([]*Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging file %s: %w", path, err)
	}

	var events []*Event
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				return nil, fmt.Errorf("failed to parse %s line %d: %w", path, line, err)
			}
			events = append(events, &ev)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", path, err)
		}
	} else {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &events); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		} else {
			var ev Event
			if err := json.Unmarshal(trimmed, &ev); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			events = append(events, &ev)
		}
	}

	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("invalid record %d in %s: %w", i, path, err)
		}
		if ev.UpdatedAt.IsZero() {
			return nil, fmt.Errorf("invalid record %d in %s: updated_at is required", i, path)
		}
	}
	return events, nil
}
