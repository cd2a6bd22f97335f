package store

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/canopyhq/canopy/pkg/kv"
	"github.com/canopyhq/canopy/pkg/types"
)

// Short-id encodings. Only base32 is selected at runtime; base64 stays
// behind the same interface for a store-wide re-encoding pass. The store
// pins the encoding name in metadata at first allocation and refuses to
// open allocations under a different one.
const (
	EncodingBase32 = "base32"
	EncodingBase64 = "base64"
)

// ShortIDFor returns the node's short id, allocating the next counter value
// on first use. Short ids are never recycled; the counter advances by
// reading the last allocated key.
func (t *Txn) ShortIDFor(id types.NodeID) (types.ShortID, error) {
	if err := t.pinEncoding(); err != nil {
		return "", err
	}

	raw, err := t.t.Get(kv.NodeToShortID, []byte(id))
	if err != nil {
		return "", err
	}
	if raw == nil {
		last, err := t.t.LastKey(kv.ShortIDToNode)
		if err != nil {
			return "", err
		}
		raw = nextCounter(last, t.db.opts.ShortIDBytes)
		if err := t.t.Put(kv.NodeToShortID, []byte(id), raw, true); err != nil {
			return "", err
		}
		if err := t.t.Put(kv.ShortIDToNode, raw, []byte(id), true); err != nil {
			return "", err
		}
	}
	return types.ShortID(t.db.encodeShortID(raw)), nil
}

// NodeForShortID resolves a rendered short id back to its node.
func (t *Txn) NodeForShortID(shortID types.ShortID) (types.NodeID, error) {
	raw, err := t.db.decodeShortID(string(shortID))
	if err != nil {
		return "", &types.InvalidShortIDError{ShortID: string(shortID), Reason: err.Error()}
	}
	val, err := t.t.Get(kv.ShortIDToNode, raw)
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", &types.InvalidShortIDError{ShortID: string(shortID), Reason: "not allocated"}
	}
	return types.NodeID(val), nil
}

// pinEncoding records the active encoding on first allocation and rejects a
// configured switch without a re-encoding pass.
func (t *Txn) pinEncoding() error {
	var pinned string
	found, err := t.getJSON(kv.Metadata, []byte(shortIDEncodingKey), &pinned)
	if err != nil {
		return err
	}
	if !found {
		return t.putJSON(kv.Metadata, []byte(shortIDEncodingKey), t.db.opts.ShortIDEncoding)
	}
	if pinned != t.db.opts.ShortIDEncoding {
		return &types.InvalidShortIDError{
			ShortID: t.db.opts.ShortIDEncoding,
			Reason:  fmt.Sprintf("store allocated short ids as %s; re-encode before switching", pinned),
		}
	}
	return nil
}

// nextCounter increments the fixed-width big-endian counter held in the
// last allocated key.
func nextCounter(last []byte, width int) []byte {
	next := make([]byte, width)
	if last != nil {
		copy(next[max(0, width-len(last)):], last)
		for i := width - 1; i >= 0; i-- {
			next[i]++
			if next[i] != 0 {
				break
			}
		}
	}
	return next
}

func (d *DB) encodeShortID(raw []byte) string {
	switch d.opts.ShortIDEncoding {
	case EncodingBase64:
		return compactBase64Encode(raw)
	default:
		return compactBase32Encode(raw)
	}
}

func (d *DB) decodeShortID(s string) ([]byte, error) {
	switch d.opts.ShortIDEncoding {
	case EncodingBase64:
		return compactBase64Decode(s, d.opts.ShortIDBytes)
	default:
		return compactBase32Decode(s, d.opts.ShortIDBytes)
	}
}

// compactBase32Encode renders counter bytes as RFC-4648 upper base32 with
// the padding and leading 'A's (base-32 zero) stripped.
func compactBase32Encode(raw []byte) string {
	s := base32.StdEncoding.EncodeToString(raw)
	s = strings.TrimRight(s, "=")
	s = strings.TrimLeft(s, "A")
	if s == "" {
		return "A"
	}
	return s
}

func compactBase32Decode(s string, width int) ([]byte, error) {
	// Base32 stores 5 bits per letter; a width-byte value encodes to
	// ceil(width*8/5) letters before padding back to a multiple of 8.
	unpadded := (width*8 + 4) / 5
	if len(s) > unpadded {
		return nil, fmt.Errorf("short id longer than %d characters", unpadded)
	}
	padded := strings.Repeat("A", unpadded-len(s)) + strings.ToUpper(s)
	padded += strings.Repeat("=", (8-unpadded%8)%8)
	return base32.StdEncoding.DecodeString(padded)
}

// compactBase64Encode is the dormant base64 variant: 6 bits per letter,
// 'A' as zero.
func compactBase64Encode(raw []byte) string {
	s := base64.StdEncoding.EncodeToString(raw)
	s = strings.TrimRight(s, "=")
	s = strings.TrimLeft(s, "A")
	if s == "" {
		return "A"
	}
	return s
}

func compactBase64Decode(s string, width int) ([]byte, error) {
	unpadded := (width*8 + 5) / 6
	if len(s) > unpadded {
		return nil, fmt.Errorf("short id longer than %d characters", unpadded)
	}
	padded := strings.Repeat("A", unpadded-len(s)) + s
	padded += strings.Repeat("=", (4-len(padded)%4)%4)
	return base64.StdEncoding.DecodeString(padded)
}
