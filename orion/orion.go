// Package orion holds project-wide defaults shared by the config, storage and
// CLI layers.
package orion

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName      = "orion"
	DefaultDataLakeDir  = "data_lake"
	DefaultThreadsDir   = "example_threads"
	DefaultToolsFile    = "new_tools.json"
	DefaultDatabaseType = "libsql"
	DefaultListenAddr   = ":8000"
	DefaultOwnerEmail   = "me@localhost"
	DefaultOwnerName    = "Me"
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultCacheDir    = filepath.Join(userCacheDir(), DefaultAppName)
	DefaultDatabaseDir = filepath.Join(DefaultCacheDir, "db")
	DefaultDatabaseDSN = filepath.Join(DefaultDatabaseDir, DefaultAppName+".db")
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir
	}
	return os.TempDir()
}
