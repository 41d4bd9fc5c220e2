package database

import (
	"path/filepath"
)

// dataSourceName places the sqlite file next to the config, or in the
// working directory when no config path is set.
func dataSourceName(configPath string, name string) string {
	if configPath != "" {
		return filepath.Join(configPath, name)
	}

	return name
}
