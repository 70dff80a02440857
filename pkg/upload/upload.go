package upload

import (
	"context"

	"github.com/google/uuid"
)

// Uploader archives finished build summaries to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadBuildSummary stores the JSON summary of a finished build under
	// prefix + "/builds/<id>/summary.json".
	UploadBuildSummary(ctx context.Context, buildID uuid.UUID, summary []byte) error
}

// Compile-time interface check.
var _ Uploader = (*noopUploader)(nil)

type noopUploader struct{}

// NewNoopUploader returns an Uploader that discards everything, used when
// archiving is disabled.
func NewNoopUploader() Uploader {
	return noopUploader{}
}

func (noopUploader) Preflight(context.Context) error { return nil }

func (noopUploader) UploadBuildSummary(context.Context, uuid.UUID, []byte) error {
	return nil
}
