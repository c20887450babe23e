package contentstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

type Health struct {
	Healthy        bool      `json:"healthy"`
	Backend        string    `json:"backend"`
	BasePath       string    `json:"base_path"`
	Writable       bool      `json:"writable"`
	IndexReadable  bool      `json:"index_readable"`
	Files          int       `json:"files"`
	UsageBytes     int64     `json:"usage_bytes"`
	Usage          string    `json:"usage"`
	MaxStorageSize string    `json:"max_storage_size,omitempty"`
	Errors         []string  `json:"errors,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// CheckHealth probes the base directory and the index. Failures are reported
// in the returned Health; it never returns an error.
func (s *LocalStore) CheckHealth(ctx context.Context) Health {
	usage := s.Usage()
	h := Health{
		Backend:    BackendLocal,
		BasePath:   s.basePath,
		Files:      usage.Files,
		UsageBytes: usage.Bytes,
		Usage:      humanize.IBytes(uint64(usage.Bytes)),
		CheckedAt:  time.Now().UTC(),
	}
	if usage.MaxStorageSize > 0 {
		h.MaxStorageSize = humanize.IBytes(uint64(usage.MaxStorageSize))
	}

	if err := ctx.Err(); err != nil {
		h.Errors = append(h.Errors, err.Error())
		return h
	}

	info, err := os.Stat(s.basePath)
	switch {
	case err != nil:
		h.Errors = append(h.Errors, fmt.Sprintf("base path: %v", err))
	case !info.IsDir():
		h.Errors = append(h.Errors, "base path is not a directory")
	default:
		probe := filepath.Join(s.basePath, ".health-"+uuid.NewString())
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			h.Errors = append(h.Errors, fmt.Sprintf("write probe: %v", err))
		} else {
			h.Writable = true
			os.Remove(probe)
		}
	}

	if _, _, err := s.index.get("health-probe"); err != nil {
		h.Errors = append(h.Errors, fmt.Sprintf("index: %v", err))
	} else {
		h.IndexReadable = true
	}

	h.Healthy = h.Writable && h.IndexReadable
	return h
}
