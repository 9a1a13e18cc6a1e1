package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ppiankov/payvault/internal/model"
)

// GenesisHash is the prev_hash of the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// KeyPrefix is the storage prefix of persisted entries.
const KeyPrefix = "audit/"

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// HashEntry hashes the canonical JSON form of an entry. Details is a
// string map, so json.Marshal output is deterministic.
func HashEntry(e model.AuditEntry) (string, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	return HashLine(line), nil
}
