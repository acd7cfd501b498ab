package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"dpm-go/internal/config"
	"dpm-go/internal/dpm"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - DPM_ROOT: package root (default: nearest directory at or above the
//     working directory holding DPM.toml; empty when there is none)
//   - DPM_HOME: base directory for dpm data (default: ~/.local/share/dpm)
func GetDefaults() (map[string]string, error) {
	root, err := getPackageRoot()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"root":     root,
		"base_dir": baseDir,
		"log_dir":  filepath.Join(baseDir, "log"),
	}, nil
}

// getPackageRoot returns DPM_ROOT if set, else searches upwards from the
// working directory.
func getPackageRoot() (string, error) {
	if root := os.Getenv("DPM_ROOT"); root != "" {
		return filepath.Abs(root)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return FindPackageRoot(cwd)
}

// FindPackageRoot returns the nearest directory at or above start holding a
// DPM.toml, or "" when there is none.
func FindPackageRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", start, err)
	}
	for {
		_, err := os.Stat(filepath.Join(dir, config.FileName))
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("checking %s: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// getBaseDir returns the base directory for dpm data, checking DPM_HOME env var first,
// then falling back to the XDG default ~/.local/share/dpm.
func getBaseDir() (string, error) {
	if path := os.Getenv("DPM_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "dpm"), nil
}

// GetPassphrase returns DPM_PASSPHRASE if set, else prompts on the terminal.
func GetPassphrase() (string, error) {
	if p := os.Getenv("DPM_PASSPHRASE"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", &dpm.UsageError{Message: "archive is encrypted: set DPM_PASSPHRASE or run from a terminal"}
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimSpace(string(p)), nil
}
