package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Sync policies accepted by Arguments.SyncPolicy.
const (
	SyncAlways   = "always"
	SyncInterval = "interval"
	SyncNever    = "never"
)

type Arguments struct {
	// The directory holding one backing file per database
	DataDir string

	// Directory for log files, empty logs to stderr only
	LogDir string

	// Print log messages to stderr as well as the log file
	PrintToScreen bool

	// Development logging
	Debug bool

	// Strongly verbose logging
	Verbose bool

	// Journal size in bytes after which a database file is compacted
	MaxJournalFileSize int64

	// When commits are fsynced: always, interval or never
	SyncPolicy string

	// Number of commits between syncs when SyncPolicy is interval
	SyncInterval int

	// Snappy-compress journal frames
	Compress bool

	// Rewrite the journal as a single snapshot when a database is closed
	CompactOnClose bool
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the process-wide settings instance, creating it with
// defaults on first use.
func GetSettings() *Arguments {
	once.Do(func() {
		instance = Defaults()
	})
	return instance
}

// Defaults returns a fresh Arguments populated with default values.
func Defaults() *Arguments {
	return &Arguments{
		DataDir:            "./datafiles",
		PrintToScreen:      true,
		MaxJournalFileSize: 1000000,
		SyncPolicy:         SyncAlways,
		SyncInterval:       100,
		Compress:           true,
		CompactOnClose:     true,
	}
}

// Validate checks the arguments and creates the data and log directories
// when they are missing.
func (a *Arguments) Validate() error {
	if a.DataDir == "" {
		return fmt.Errorf("data directory must be set")
	}

	dirInfo, err := os.Stat(a.DataDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("error accessing data directory: %w", err)
		}
		if err := os.MkdirAll(a.DataDir, 0755); err != nil {
			return fmt.Errorf("could not create data directory: %w", err)
		}
	} else if !dirInfo.IsDir() {
		return fmt.Errorf("data directory path exists but is not a directory: %s", a.DataDir)
	}

	if a.LogDir != "" {
		if err := os.MkdirAll(filepath.Clean(a.LogDir), 0755); err != nil {
			return fmt.Errorf("could not create log directory: %w", err)
		}
	}

	validPolicies := map[string]bool{SyncAlways: true, SyncInterval: true, SyncNever: true}
	if !validPolicies[a.SyncPolicy] {
		return fmt.Errorf("invalid sync policy: %s (must be 'always', 'interval' or 'never')", a.SyncPolicy)
	}

	if a.SyncPolicy == SyncInterval && a.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %d", a.SyncInterval)
	}

	if a.MaxJournalFileSize < 0 {
		return fmt.Errorf("max journal file size cannot be negative: %d", a.MaxJournalFileSize)
	}

	return nil
}
