package datasets

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataFolderEnv names the environment variable holding the dataset root,
// used when LocalDataManager is created without an explicit root.
const DataFolderEnv = "MOTION_DATA_FOLDER"

// LocalDataManager resolves dataset keys (relative paths like "scenes/train"
// or "scenes/mask.csv") against a local data folder.
type LocalDataManager struct {
	Root string
}

// NewLocalDataManager creates a manager rooted at root. An empty root falls
// back to the MOTION_DATA_FOLDER environment variable.
func NewLocalDataManager(root string) (*LocalDataManager, error) {
	if root == "" {
		root = os.Getenv(DataFolderEnv)
	}
	if root == "" {
		return nil, fmt.Errorf("no data folder: pass a root or set %s", DataFolderEnv)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("data folder %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data folder %s is not a directory", root)
	}
	return &LocalDataManager{Root: root}, nil
}

// Require resolves key under the root and errors if the path does not exist.
func (m *LocalDataManager) Require(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty dataset key")
	}
	path := filepath.Join(m.Root, filepath.FromSlash(key))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("dataset key %q: %w", key, err)
	}
	return path, nil
}
