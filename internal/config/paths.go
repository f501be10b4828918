package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds all platform-specific file paths for hdsync
type Paths struct {
	ConfigDir string // ~/.config/hdsync or equivalent
	DataDir   string // ~/.config/hdsync/data

	IdentityFile string // ~/.config/hdsync/identity.enc
	ConfigFile   string // ~/.config/hdsync/config.toml
	AuditLogFile string // ~/.config/hdsync/audit.log
	PIDFile      string // ~/.config/hdsync/hdsync.pid (Linux/macOS)
}

// GetPaths returns platform-specific paths for hdsync
func GetPaths() (*Paths, error) {
	var configDir string

	// Allow override via environment variable (useful for testing multiple instances)
	if envConfigDir := os.Getenv("HDSYNC_CONFIG_DIR"); envConfigDir != "" {
		configDir = envConfigDir
	} else {
		switch runtime.GOOS {
		case "linux", "darwin":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "hdsync")

		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "hdsync")

		default:
			return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}

	return PathsIn(configDir), nil
}

// PathsIn lays out the hdsync files under configDir.
func PathsIn(configDir string) *Paths {
	p := &Paths{
		ConfigDir:    configDir,
		DataDir:      filepath.Join(configDir, "data"),
		IdentityFile: filepath.Join(configDir, "identity.enc"),
		ConfigFile:   filepath.Join(configDir, "config.toml"),
		AuditLogFile: filepath.Join(configDir, "audit.log"),
	}
	if runtime.GOOS != "windows" {
		p.PIDFile = filepath.Join(configDir, "hdsync.pid")
	}
	return p
}

// EnsureDirectories creates all required directories with appropriate permissions
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// IdentityExists reports whether an identity file exists.
func (p *Paths) IdentityExists() bool {
	_, err := os.Stat(p.IdentityFile)
	return err == nil
}

// StoreDir returns the store directory for cfg, falling back to DataDir.
func (p *Paths) StoreDir(cfg *Config) string {
	if cfg != nil && cfg.Store.Dir != "" {
		return cfg.Store.Dir
	}
	return p.DataDir
}
