package store

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/canopyhq/canopy/pkg/kv"
	"github.com/canopyhq/canopy/pkg/types"
)

const (
	bloomExpectedInsertions = 100
	bloomErrRate            = 0.1
)

// SetBloomFilter rebuilds and stores the node's keyword filter from the
// given content.
func (t *Txn) SetBloomFilter(id types.NodeID, contentLines []string) (*bloom.BloomFilter, error) {
	filter := bloom.NewWithEstimates(bloomExpectedInsertions, bloomErrRate)
	for prefix := range NormalizedSearchPrefixes(strings.Join(contentLines, "\n")) {
		filter.AddString(prefix)
	}

	var buf bytes.Buffer
	if _, err := filter.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serializing bloom filter: %w", err)
	}
	raw := buf.Bytes()
	encrypted, err := t.Encrypted()
	if err != nil {
		return nil, err
	}
	if encrypted {
		lines, err := t.db.encryptLines([]string{string(raw)})
		if err != nil {
			return nil, err
		}
		raw = []byte(lines[0])
	}
	if err := t.t.Put(kv.BloomFilters, []byte(id), raw, true); err != nil {
		return nil, err
	}
	return filter, nil
}

// GetSetBloomFilter loads the node's keyword filter, building it from the
// node's content when absent (content writes invalidate the stored filter).
func (t *Txn) GetSetBloomFilter(id types.NodeID) (*bloom.BloomFilter, error) {
	raw, err := t.t.Get(kv.BloomFilters, []byte(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		content, err := t.ContentLines(id)
		if err != nil {
			return nil, err
		}
		return t.SetBloomFilter(id, content)
	}
	encrypted, err := t.Encrypted()
	if err != nil {
		return nil, err
	}
	if encrypted {
		lines, err := t.db.decryptLines([]string{string(raw)})
		if err != nil {
			return nil, err
		}
		raw = []byte(lines[0])
	}
	filter := bloom.NewWithEstimates(bloomExpectedInsertions, bloomErrRate)
	if _, err := filter.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("loading bloom filter: %w", err)
	}
	return filter, nil
}

// NormalizedSearchPrefixes extracts the casefolded three-rune word prefixes
// indexed per node.
func NormalizedSearchPrefixes(s string) map[string]struct{} {
	prefixes := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		runes := []rune(strings.ToLower(word))
		if len(runes) > 3 {
			runes = runes[:3]
		}
		prefixes[string(runes)] = struct{}{}
	}
	return prefixes
}
