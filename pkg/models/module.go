package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// CachedModule is one content-addressed entry in the module store. Entries
// are immutable once recorded; the store only adds or evicts them.
type CachedModule struct {
	Digest    digest.Digest `json:"digest"`
	Reference string        `json:"reference"`
	LocalPath string        `json:"local_path"`
	SizeBytes int64         `json:"size_bytes"`
	PulledAt  time.Time     `json:"pulled_at"`
}
