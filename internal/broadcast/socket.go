package broadcast

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// SocketName is the well-known display socket file name.
const SocketName = "lean-tui.sock"

// DefaultSocketPath returns the fixed, documented socket location.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), SocketName)
}

// ProjectSocketPath derives a socket path unique to a project directory, so
// proxies for different projects can run side by side.
func ProjectSocketPath(projectDir string) string {
	if abs, err := filepath.Abs(projectDir); err == nil {
		projectDir = abs
	}
	sum := sha256.Sum256([]byte(filepath.Clean(projectDir)))
	return filepath.Join(os.TempDir(), "lean-tui-"+hex.EncodeToString(sum[:4])+".sock")
}
