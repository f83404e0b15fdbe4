package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsWorkspaceManager manages per-daemon scratch directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	return &fsWorkspaceManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// Create initializes a workspace directory for launchID.
func (m *fsWorkspaceManager) Create(ctx context.Context, launchID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(launchID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for launch %q: %w", launchID, err)
	}

	return Workspace{LaunchID: launchID, Dir: path}, nil
}

// Open returns metadata for an existing workspace directory.
func (m *fsWorkspaceManager) Open(ctx context.Context, launchID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(launchID)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace for launch %q: %w", launchID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for launch %q is not a directory", launchID)
	}

	return Workspace{LaunchID: launchID, Dir: path}, nil
}

// Remove deletes the workspace directory for launchID. Called from the
// daemon stop path once the worker process is gone.
func (m *fsWorkspaceManager) Remove(ctx context.Context, launchID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := m.workspacePath(launchID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace for launch %q: %w", launchID, err)
	}
	return nil
}

// Cleanup removes workspace directories older than olderThan based on
// directory modification time. Directories belonging to live daemons keep
// a fresh mtime through worker writes, so only abandoned scratch space
// ages out.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (m *fsWorkspaceManager) workspacePath(launchID string) (string, error) {
	if err := validateLaunchID(launchID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, launchID), nil
}

func validateLaunchID(launchID string) error {
	trimmed := strings.TrimSpace(launchID)
	if trimmed == "" {
		return fmt.Errorf("launchID is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("launchID %q is invalid", launchID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("launchID %q must not contain path separators", launchID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("launchID %q is invalid", launchID)
	}
	return nil
}
