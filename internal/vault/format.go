package vault

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	formatVersion = byte(1)
	// magic, version, cipher id, uint16 meta length
	fixedHeaderLen = 2 + 1 + 1 + 2
	maxMetaLen     = 4096
)

var magic = [2]byte{'P', 'V'}

var errMalformed = errors.New("malformed record")

// meta is bound into the associated data of every record.
type meta struct {
	Key string `json:"key"`
}

// header is everything before the nonce. It is the AEAD associated data.
type header struct {
	cipher byte
	meta   meta
	raw    []byte
}

func encodeHeader(cipherID byte, storageKey string) ([]byte, error) {
	m, err := json.Marshal(meta{Key: storageKey})
	if err != nil {
		return nil, err
	}
	if len(m) > maxMetaLen {
		return nil, fmt.Errorf("storage key too long")
	}
	out := make([]byte, 0, fixedHeaderLen+len(m))
	out = append(out, magic[0], magic[1], formatVersion, cipherID)
	out = binary.BigEndian.AppendUint16(out, uint16(len(m)))
	out = append(out, m...)
	return out, nil
}

// decodeHeader splits a record into its header and the nonce+ciphertext body.
func decodeHeader(record []byte) (header, []byte, error) {
	if len(record) < fixedHeaderLen {
		return header{}, nil, errMalformed
	}
	if record[0] != magic[0] || record[1] != magic[1] {
		return header{}, nil, errMalformed
	}
	if record[2] != formatVersion {
		return header{}, nil, fmt.Errorf("unsupported record version %d", record[2])
	}
	metaLen := int(binary.BigEndian.Uint16(record[4:6]))
	if metaLen > maxMetaLen || len(record) < fixedHeaderLen+metaLen {
		return header{}, nil, errMalformed
	}
	end := fixedHeaderLen + metaLen
	h := header{cipher: record[3], raw: record[:end]}
	if err := json.Unmarshal(record[fixedHeaderLen:end], &h.meta); err != nil {
		return header{}, nil, errMalformed
	}
	return h, record[end:], nil
}
