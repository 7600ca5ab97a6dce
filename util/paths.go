package util

import (
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory (tests point it at a temp dir)
const DataDirEnv = "ANCSRELAY_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "ancsrelay")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".ancsrelay")
}

// GetSettingsPath returns the persisted settings file
func GetSettingsPath() string {
	return filepath.Join(GetDataDir(), "settings.json")
}

// GetSocketDir returns the directory where the socket ATT bearers listen
func GetSocketDir() string {
	socketDir := filepath.Join(GetDataDir(), "sockets")
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		panic(err)
	}
	return socketDir
}
