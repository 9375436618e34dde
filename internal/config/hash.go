package config

import (
	"encoding/json"
	"hash/fnv"
)

// digest fingerprints the decoded config, so a formatting-only edit or a
// YAML/JSON rewrite of the same content compares equal. Zero means unknown.
func digest(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(cfg); err != nil {
		return 0
	}
	return h.Sum64()
}
