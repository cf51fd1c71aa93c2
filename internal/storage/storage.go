// Package storage defines the persistence contracts for generated assets.
// Job persistence lives behind genjob.JobStore; this package covers blob output.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"
)

// BlobStore persists artifacts and returns a URI that addresses them.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Manifest describes a completed generation so downstream consumers can locate the
// produced media without talking to the scheduler.
type Manifest struct {
	JobID       string    `json:"job_id"`
	Key         string    `json:"key"`
	ContentHash string    `json:"content_hash"`
	OpType      string    `json:"op_type"`
	ProviderID  string    `json:"provider_id"`
	AccountID   string    `json:"account_id,omitempty"`
	ResultRef   string    `json:"result_ref"`
	CompletedAt time.Time `json:"completed_at"`
}

// ManifestPath returns the object path a manifest is written to.
func ManifestPath(prefix, jobID string) string {
	return path.Join(prefix, "manifests", jobID+".json")
}

// WriteManifest serializes m and stores it under prefix, returning the blob URI.
func WriteManifest(ctx context.Context, blobs BlobStore, prefix string, m Manifest) (string, error) {
	if m.JobID == "" {
		return "", fmt.Errorf("manifest job id is required")
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	uri, err := blobs.PutObject(ctx, ManifestPath(prefix, m.JobID), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put manifest: %w", err)
	}
	return uri, nil
}
