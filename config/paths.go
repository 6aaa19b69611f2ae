package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rover-link-data")
	}
	return filepath.Join(home, ".rover-link-data")
}

// GalleryDir returns where saved photos and the gallery index live
func (c *Config) GalleryDir() string {
	return filepath.Join(c.DataDir, "gallery")
}

// EnsureDirs creates the data and gallery directories. The radio creates
// its own socket and device directories under DataDir.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.GalleryDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
