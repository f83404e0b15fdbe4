package workspace

import (
	"context"
	"time"
)

// Workspace is a daemon-scoped scratch directory. Fingerprints that pin
// an explicit working directory bypass the manager entirely; everything
// else gets a managed directory keyed by launch id.
type Workspace struct {
	LaunchID string
	Dir      string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs worker scratch directory lifecycle.
type Manager interface {
	// Create initializes a new workspace for launchID.
	Create(ctx context.Context, launchID string) (Workspace, error)

	// Open resolves an existing workspace for launchID.
	Open(ctx context.Context, launchID string) (Workspace, error)

	// Remove deletes the workspace for launchID. Removing a workspace
	// that does not exist is not an error.
	Remove(ctx context.Context, launchID string) error

	// Cleanup removes stale workspaces older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
