package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/osutil"
)

// GetHomeDir returns the user's home directory
func GetHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return home, nil
}

// GetConfigDir returns the per-user configuration directory for the application
func GetConfigDir(appName string) (string, error) {
	// In development mode, use a local config directory
	if osutil.IsDevEnvironment() {
		return "config", nil
	}

	home, err := GetHomeDir()
	if err != nil {
		return "", err
	}

	switch osutil.GetOSType() {
	case osutil.Windows:
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, appName), nil

	case osutil.MacOS:
		return filepath.Join(home, "Library", "Application Support", appName), nil

	default:
		// XDG Base Directory specification
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, appName), nil
	}
}

// GetSystemConfigDir returns the system-wide configuration directory
func GetSystemConfigDir(appName string) string {
	switch osutil.GetOSType() {
	case osutil.Windows:
		programData := os.Getenv("ProgramData")
		if programData == "" {
			programData = filepath.Join("C:", "ProgramData")
		}
		return filepath.Join(programData, appName)

	case osutil.MacOS:
		return filepath.Join("/Library", "Application Support", appName)

	default:
		return filepath.Join("/etc", appName)
	}
}

// ConfigSearchPaths returns the directories searched for a configuration
// file, in order: the working directory, the user directory and, outside
// development and CI environments, the system directory.
func ConfigSearchPaths(appName string) []string {
	paths := []string{"."}
	if dir, err := GetConfigDir(appName); err == nil && dir != "." {
		paths = append(paths, dir)
	}
	if !osutil.IsDevEnvironment() && !osutil.IsRunningInPipeline() {
		paths = append(paths, GetSystemConfigDir(appName))
	}
	return paths
}
