package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ConfigDir returns the config directory path.
// Resolution order: $KBCODER_CONFIG_DIR > $XDG_CONFIG_HOME/kbcoder > ~/.config/kbcoder
func ConfigDir() string {
	if dir := os.Getenv("KBCODER_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "kbcoder")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "kbcoder-config")
	}
	return filepath.Join(home, ".config", "kbcoder")
}

// ConfigPath returns the full path to the settings file
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// FileSource reads settings from a TOML file. Keys live in the
// [kb-ollama-coder] table; a file without that table is read flat.
// A missing file yields empty settings.
type FileSource struct {
	Path string
}

// Settings implements Source
func (f FileSource) Settings() (Settings, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(f.Path, &raw); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Settings{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", f.Path, err)
	}

	if section, ok := raw[Section].(map[string]any); ok {
		return Settings(section), nil
	}
	return Settings(raw), nil
}
