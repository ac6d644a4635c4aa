// Package shell picks the interpreter that run_command hands command strings
// to. Only POSIX-style shells are supported.
package shell

import (
	"fmt"
	"os"
	"path/filepath"
)

// ShellType enumerates the supported shell flavours.
type ShellType int

const (
	ShellTypeSh ShellType = iota
	ShellTypeBash
	ShellTypeZsh
)

// Shell is a resolved interpreter binary.
type Shell struct {
	Type ShellType
	Path string
}

// Name returns the short name of the shell ("sh", "bash", "zsh").
func (s *Shell) Name() string {
	switch s.Type {
	case ShellTypeBash:
		return "bash"
	case ShellTypeZsh:
		return "zsh"
	default:
		return "sh"
	}
}

// CommandArgs returns the argv that runs command through this shell. Login
// shells are never used.
func (s *Shell) CommandArgs(command string) []string {
	return []string{s.Path, "-c", command}
}

// DetectShellType maps a shell binary path (or bare name) to a ShellType.
func DetectShellType(shellPath string) (ShellType, bool) {
	switch filepath.Base(shellPath) {
	case "sh":
		return ShellTypeSh, true
	case "bash":
		return ShellTypeBash, true
	case "zsh":
		return ShellTypeZsh, true
	default:
		return 0, false
	}
}

// Resolve returns the shell named by preferred (a bare name or a path).
// An empty preference selects sh. "$SHELL" selects the user's login shell
// when it is a supported flavour, falling back to sh otherwise.
func Resolve(preferred string) (*Shell, error) {
	if preferred == "$SHELL" {
		preferred = os.Getenv("SHELL")
		if _, ok := DetectShellType(preferred); !ok {
			preferred = ""
		}
	}
	if preferred == "" {
		preferred = "sh"
	}

	st, ok := DetectShellType(preferred)
	if !ok {
		return nil, fmt.Errorf("unsupported shell %q (supported: sh, bash, zsh)", preferred)
	}

	if filepath.IsAbs(preferred) {
		if fi, err := os.Stat(preferred); err != nil || fi.IsDir() {
			return nil, fmt.Errorf("shell %s not found", preferred)
		}
		return &Shell{Type: st, Path: preferred}, nil
	}

	p, err := lookPath(preferred)
	if err != nil {
		if st == ShellTypeSh {
			return &Shell{Type: ShellTypeSh, Path: "/bin/sh"}, nil
		}
		return nil, fmt.Errorf("shell %s not found in PATH", preferred)
	}
	return &Shell{Type: st, Path: p}, nil
}

// lookPath is declared as a var so tests can stub PATH lookups.
var lookPath = defaultLookPath

func defaultLookPath(name string) (string, error) {
	pathEnv := os.Getenv("PATH")
	if pathEnv == "" {
		pathEnv = "/usr/local/bin:/usr/bin:/bin"
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		candidate := filepath.Join(dir, name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", os.ErrNotExist
}
