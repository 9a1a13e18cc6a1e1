package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/ppiankov/payvault/internal/model"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid      bool   `json:"valid"`
	Entries    int    `json:"entries"`
	Error      string `json:"error,omitempty"`
	ErrorIndex int    `json:"error_index,omitempty"`
	ErrorID    string `json:"error_id,omitempty"`
}

// Verify validates the hash chain over entries in any order. The oldest
// entry must reference GenesisHash.
func Verify(entries []model.AuditEntry) VerifyResult {
	asc := oldestFirst(entries)
	expected := GenesisHash
	for i, e := range asc {
		if e.PrevHash != expected {
			msg := fmt.Sprintf("hash mismatch: expected %s, got %s", expected, e.PrevHash)
			if i == 0 {
				msg = fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)
			}
			return VerifyResult{Error: msg, ErrorIndex: i + 1, ErrorID: e.ID}
		}
		h, err := HashEntry(e)
		if err != nil {
			return VerifyResult{Error: err.Error(), ErrorIndex: i + 1, ErrorID: e.ID}
		}
		expected = h
	}
	return VerifyResult{Valid: true, Entries: len(asc)}
}

func oldestFirst(entries []model.AuditEntry) []model.AuditEntry {
	asc := make([]model.AuditEntry, len(entries))
	copy(asc, entries)
	sort.SliceStable(asc, func(i, j int) bool {
		if !asc[i].Timestamp.Equal(asc[j].Timestamp) {
			return asc[i].Timestamp.Before(asc[j].Timestamp)
		}
		return asc[i].ID < asc[j].ID
	})
	return asc
}

// WriteJSONL writes entries oldest first, one JSON object per line. The
// output verifies with VerifyJSONL.
func WriteJSONL(w io.Writer, entries []model.AuditEntry) error {
	asc := oldestFirst(entries)
	bw := bufio.NewWriter(w)
	for _, e := range asc {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("audit: marshal entry: %w", err)
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("audit: write entry: %w", err)
		}
	}
	return bw.Flush()
}

// VerifyJSONL reads an exported JSONL log and validates the hash chain
// line by line.
func VerifyJSONL(r io.Reader) VerifyResult {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	var prevLine []byte

	for scanner.Scan() {
		lineNum++
		line := append([]byte(nil), scanner.Bytes()...)

		var entry model.AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorIndex: lineNum}
		}

		if lineNum == 1 {
			if entry.PrevHash != GenesisHash {
				return VerifyResult{
					Error:      fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", entry.PrevHash),
					ErrorIndex: 1,
					ErrorID:    entry.ID,
				}
			}
		} else if expected := HashLine(prevLine); entry.PrevHash != expected {
			return VerifyResult{
				Error:      fmt.Sprintf("hash mismatch: expected %s, got %s", expected, entry.PrevHash),
				ErrorIndex: lineNum,
				ErrorID:    entry.ID,
			}
		}
		prevLine = line
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Entries: lineNum}
}
