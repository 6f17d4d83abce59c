package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// schemaVersion is written into every state file. Files predating the field
// decode as version 1.
const schemaVersion = 1

// State is the persisted record of sync progress.
type State struct {
	Version int

	// LastCheck is the lower bound of the next fetch window.
	LastCheck time.Time

	// Processed holds ids of posts that were delivered successfully.
	Processed *IDSet

	TotalProcessed    int
	LastSuccessfulRun time.Time // zero until the first successful pass
	ErrorCount        int
}

// NewState returns the state used on first run or after the file is lost.
func NewState(now time.Time) *State {
	return &State{
		Version:   schemaVersion,
		LastCheck: now.UTC(),
		Processed: NewIDSet(),
	}
}

// stateFile is the on-disk JSON shape. Field names are kept compatible with
// state files written by earlier deployments.
type stateFile struct {
	SchemaVersion     int     `json:"schema_version"`
	LastCheck         string  `json:"last_check_timestamp"`
	ProcessedPostIDs  []int64 `json:"processed_post_ids"`
	TotalProcessed    int     `json:"total_posts_processed"`
	LastSuccessfulRun string  `json:"last_successful_run"`
	ErrorsCount       int     `json:"errors_count"`
}

func encodeState(s *State) ([]byte, error) {
	f := stateFile{
		SchemaVersion:    schemaVersion,
		LastCheck:        formatTime(s.LastCheck),
		ProcessedPostIDs: s.Processed.IDs(),
		TotalProcessed:   s.TotalProcessed,
		ErrorsCount:      s.ErrorCount,
	}
	if f.ProcessedPostIDs == nil {
		f.ProcessedPostIDs = []int64{}
	}
	if !s.LastSuccessfulRun.IsZero() {
		f.LastSuccessfulRun = formatTime(s.LastSuccessfulRun)
	}
	return json.MarshalIndent(f, "", "  ")
}

// decodeState parses a state file. An unparsable last_check_timestamp
// decodes as the zero time and is left to the caller to repair.
func decodeState(data []byte) (*State, error) {
	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	version := f.SchemaVersion
	if version == 0 {
		version = 1
	}
	if version > schemaVersion {
		return nil, fmt.Errorf("unsupported state schema version %d", version)
	}

	s := &State{
		Version:        schemaVersion,
		Processed:      NewIDSet(f.ProcessedPostIDs...),
		TotalProcessed: f.TotalProcessed,
		ErrorCount:     f.ErrorsCount,
	}
	s.LastCheck, _ = parseTime(f.LastCheck)
	s.LastSuccessfulRun, _ = parseTime(f.LastSuccessfulRun)
	return s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime accepts RFC 3339 as well as offset-less ISO 8601, which is read
// as UTC.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
}
