package instructions

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ProjectDocFile is read from the workspace root and appended to prompts.
const ProjectDocFile = "AGENTS.md"

// MaxProjectDocBytes caps how much of the project doc is included.
const MaxProjectDocBytes = 32 << 10

// LoadProjectDocs returns the content of AGENTS.md at root, truncated to
// MaxProjectDocBytes. A missing file is not an error.
func LoadProjectDocs(root string) (string, error) {
	f, err := os.Open(filepath.Join(root, ProjectDocFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxProjectDocBytes+1))
	if err != nil {
		return "", err
	}
	truncated := len(data) > MaxProjectDocBytes
	if truncated {
		data = data[:MaxProjectDocBytes]
	}
	doc := strings.TrimSpace(string(data))
	if truncated {
		doc += "\n[... truncated ...]"
	}
	return doc, nil
}
