package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashBytes is a cheap change-detection fingerprint, not an integrity check.
func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// hashConfig fingerprints the decoded config rather than the raw file, so
// reformatting or comment edits do not count as changes. 0 means unknown
// and never matches.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
