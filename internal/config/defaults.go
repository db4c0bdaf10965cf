package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "tagtime"

// configFormats are the config file extensions tried by FindConfigFile, in
// order of preference.
var configFormats = []string{"toml", "json", "yaml", "yml"}

// PlatformDataDir returns where tagtime keeps its index and reports:
// $XDG_DATA_HOME/tagtime (default ~/.local/share/tagtime) on Linux, and the
// user config directory on macOS and Windows. Other systems use ~/.tagtime.
func PlatformDataDir() string {
	home, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home, ".local", "share", appName)
	case "darwin", "windows":
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, appName)
		}
	}
	return filepath.Join(home, "."+appName)
}

// PlatformConfigDir returns the user config directory for tagtime.
func PlatformConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	return PlatformDataDir()
}

// FindConfigFile returns the first config.<ext> found in the working
// directory, the config directory or the data directory, or "".
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), TagtimeDir()} {
		for _, ext := range configFormats {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
