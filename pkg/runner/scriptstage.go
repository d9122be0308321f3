package runner

import (
	"fmt"
	"os"
	"path/filepath"
)

// scriptStageDir is where test scripts are staged on the host before
// being bind-mounted into a container's namespace.
var scriptStageDir = filepath.Join(os.TempDir(), "testkiln-scripts")

// writeScriptFile stages a test's script on disk so it can be
// bind-mounted read-only into a container, returning the host path.
func writeScriptFile(testID string, script []byte) (string, error) {
	if err := os.MkdirAll(scriptStageDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create script stage dir: %w", err)
	}
	path := filepath.Join(scriptStageDir, testID+".sh")
	if err := os.WriteFile(path, script, 0755); err != nil {
		return "", fmt.Errorf("failed to write staged script %s: %w", path, err)
	}
	return path, nil
}
