package kvstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// CategoryUsage is the storage used by every key sharing a prefix
type CategoryUsage struct {
	Category string `json:"category" yaml:"category"`
	Keys     int    `json:"keys" yaml:"keys"`
	Bytes    int64  `json:"bytes" yaml:"bytes"`
}

// Usage groups stored keys by the text before their first ':' and sums their
// sizes, largest category first
func (s *Store) Usage() ([]CategoryUsage, error) {
	keys, err := s.backend.Keys("")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	categories := make(map[string]*CategoryUsage)
	for _, key := range keys {
		value, err := s.backend.Get(key)
		if err != nil {
			continue
		}

		category := key
		if i := strings.IndexByte(key, ':'); i >= 0 {
			category = key[:i]
		}
		usage, ok := categories[category]
		if !ok {
			usage = &CategoryUsage{Category: category}
			categories[category] = usage
		}
		usage.Keys++
		usage.Bytes += entrySize(key, value)
	}

	breakdown := make([]CategoryUsage, 0, len(categories))
	for _, usage := range categories {
		breakdown = append(breakdown, *usage)
	}
	sort.Slice(breakdown, func(i, j int) bool {
		if breakdown[i].Bytes != breakdown[j].Bytes {
			return breakdown[i].Bytes > breakdown[j].Bytes
		}
		return breakdown[i].Category < breakdown[j].Category
	})
	return breakdown, nil
}

// FormatUsage renders a breakdown on one line, e.g. "pages: 3 keys, 1.2 MiB; cover: 20 keys, 2.1 KiB (3.4 MiB of 5.0 MiB)"
func (s *Store) FormatUsage(breakdown []CategoryUsage) string {
	parts := make([]string, 0, len(breakdown))
	for _, usage := range breakdown {
		parts = append(parts, fmt.Sprintf("%s: %d keys, %s", usage.Category, usage.Keys, humanize.IBytes(uint64(usage.Bytes))))
	}

	total := humanize.IBytes(uint64(s.backend.Size()))
	if quota := s.backend.Quota(); quota > 0 {
		return fmt.Sprintf("%s (%s of %s)", strings.Join(parts, "; "), total, humanize.IBytes(uint64(quota)))
	}
	return fmt.Sprintf("%s (%s)", strings.Join(parts, "; "), total)
}
