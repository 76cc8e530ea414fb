package filemgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"kestreldb/src/helpers"
)

/*

Registry of the backing files of open databases.
Files are reference counted, exclusively locked against other processes while open,
and synced according to the registry's sync policy.

*/

var (
	// ErrFileLocked is returned when another process holds the file lock.
	ErrFileLocked = errors.New("file is locked by another process")

	// ErrFileInUse is returned when removing a file that is still open.
	ErrFileInUse = errors.New("file is still open")
)

// ManagedFile wraps an os.File with reference counting and size tracking
type ManagedFile struct {
	mu         sync.RWMutex
	file       *os.File
	path       string
	refCount   int
	size       int64
	writes     uint64
	lastAccess int64
}

// Path returns the full path of the file
func (mf *ManagedFile) Path() string {
	return mf.path
}

// Size returns the current size of the file in bytes
func (mf *ManagedFile) Size() int64 {
	mf.mu.RLock()
	defer mf.mu.RUnlock()
	return mf.size
}

// Append writes b at the end of the file and returns the offset it was written at
func (mf *ManagedFile) Append(b []byte) (int64, error) {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	offset := mf.size
	n, err := mf.file.WriteAt(b, offset)
	if err != nil {
		return offset, fmt.Errorf("failed to append %d bytes to %s: %w", len(b), mf.path, err)
	}
	if n != len(b) {
		return offset, fmt.Errorf("incomplete append to %s: wrote %d of %d bytes", mf.path, n, len(b))
	}

	mf.size += int64(n)
	mf.writes++
	mf.lastAccess = time.Now().UnixNano()
	return offset, nil
}

// Truncate cuts the file back to size
func (mf *ManagedFile) Truncate(size int64) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	if err := mf.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate %s to %d bytes: %w", mf.path, size, err)
	}
	mf.size = size
	return nil
}

// Sync synchronizes the file data to disk
func (mf *ManagedFile) Sync() error {
	mf.mu.RLock()
	defer mf.mu.RUnlock()
	return mf.file.Sync()
}

// ReadAll memory maps the whole file read-only. The returned slice is only
// valid until release is called.
func (mf *ManagedFile) ReadAll() (data []byte, release func() error, err error) {
	mf.mu.RLock()
	defer mf.mu.RUnlock()

	if mf.size == 0 {
		return nil, func() error { return nil }, nil
	}

	data, err = unix.Mmap(int(mf.file.Fd()), 0, int(mf.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to memory map %s: %w", mf.path, err)
	}

	return data, func() error { return unix.Munmap(data) }, nil
}

// FileRegistry manages the backing files of open databases
type FileRegistry struct {
	mu           sync.Mutex
	files        map[string]*ManagedFile
	dataDir      string
	syncPolicy   SyncPolicy
	syncInterval int
	logger       *zap.SugaredLogger
}

// SyncPolicy defines when files should be synchronized to disk
type SyncPolicy int

const (
	// SyncNever never automatically syncs files
	SyncNever SyncPolicy = iota

	// SyncAlways syncs after every write
	SyncAlways

	// SyncInterval syncs every N writes
	SyncInterval
)

// ParseSyncPolicy maps a settings value onto a SyncPolicy
func ParseSyncPolicy(name string) (SyncPolicy, error) {
	switch strings.ToLower(name) {
	case "", "always":
		return SyncAlways, nil
	case "interval":
		return SyncInterval, nil
	case "never":
		return SyncNever, nil
	}
	return SyncAlways, fmt.Errorf("unknown sync policy %q", name)
}

// NewFileRegistry creates a new file registry
func NewFileRegistry(dataDir string, syncPolicy SyncPolicy, syncInterval int, logger *zap.SugaredLogger) (*FileRegistry, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if syncInterval <= 0 {
		syncInterval = 100
	}

	return &FileRegistry{
		files:        make(map[string]*ManagedFile),
		dataDir:      dataDir,
		syncPolicy:   syncPolicy,
		syncInterval: syncInterval,
		logger:       logger,
	}, nil
}

// Path returns the full path of a file inside the data directory
func (fr *FileRegistry) Path(fileName string) string {
	return filepath.Join(fr.dataDir, fileName)
}

// OpenFile opens (creating if needed) and locks a file in the data directory.
// Opening an already open file increments its reference count.
func (fr *FileRegistry) OpenFile(fileName string) (*ManagedFile, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fullPath := fr.Path(fileName)
	if file, exists := fr.files[fullPath]; exists {
		file.refCount++
		return file, nil
	}

	osFile, err := openLocked(fullPath)
	if err != nil {
		return nil, err
	}

	stat, err := osFile.Stat()
	if err != nil {
		osFile.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", fullPath, err)
	}

	managedFile := &ManagedFile{
		file:       osFile,
		path:       fullPath,
		refCount:   1,
		size:       stat.Size(),
		lastAccess: time.Now().UnixNano(),
	}
	fr.files[fullPath] = managedFile

	fr.logger.Debugw("Opened data file", "path", fullPath, "size", managedFile.size)
	return managedFile, nil
}

func openLocked(fullPath string) (*os.File, error) {
	osFile, err := os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", fullPath, err)
	}

	if err := unix.Flock(int(osFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		osFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", fullPath, ErrFileLocked)
		}
		return nil, fmt.Errorf("failed to lock file %s: %w", fullPath, err)
	}

	return osFile, nil
}

// IsOpen reports whether the file is currently held by the registry
func (fr *FileRegistry) IsOpen(fileName string) bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	_, exists := fr.files[fr.Path(fileName)]
	return exists
}

// Exists reports whether a file is present in the data directory
func (fr *FileRegistry) Exists(fileName string) bool {
	return helpers.FileExists(fr.Path(fileName), fr.logger)
}

// CloseFile decrements the reference count for a file and closes it if no longer in use
func (fr *FileRegistry) CloseFile(file *ManagedFile) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if _, exists := fr.files[file.path]; !exists {
		return fmt.Errorf("no open file %s", file.path)
	}

	file.refCount--
	if file.refCount > 0 {
		return nil
	}

	delete(fr.files, file.path)
	return closeManaged(file)
}

func closeManaged(file *ManagedFile) error {
	file.mu.Lock()
	defer file.mu.Unlock()

	err := unix.Flock(int(file.file.Fd()), unix.LOCK_UN)
	return multierr.Append(err, file.file.Close())
}

// CloseAllFiles closes all open files regardless of their reference counts
func (fr *FileRegistry) CloseAllFiles() error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	var errs error
	for path, file := range fr.files {
		if err := closeManaged(file); err != nil {
			fr.logger.Errorw("Failed to close file", "path", path, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("failed to close file %s: %w", path, err))
		}
	}

	fr.files = make(map[string]*ManagedFile)
	return errs
}

// RemoveFile deletes a closed file from the data directory
func (fr *FileRegistry) RemoveFile(fileName string) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fullPath := fr.Path(fileName)
	if _, exists := fr.files[fullPath]; exists {
		return fmt.Errorf("%s: %w", fullPath, ErrFileInUse)
	}

	if err := helpers.DeleteDataFile(fullPath); err != nil {
		return fmt.Errorf("failed to remove %s: %w", fullPath, err)
	}
	return nil
}

// ListFiles returns the names of the files in the data directory with the given extension
func (fr *FileRegistry) ListFiles(ext string) ([]string, error) {
	entries, err := os.ReadDir(fr.dataDir)
	if err != nil {
		return nil, fmt.Errorf("error reading data directory %s: %w", fr.dataDir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if filepath.Ext(entry.Name()) == ext {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReplaceContents atomically replaces the contents of an open file with data.
// The data is written to a sibling temp file, synced, and renamed over the
// original; the managed handle is then switched to the new file.
func (fr *FileRegistry) ReplaceContents(file *ManagedFile, data []byte) error {
	file.mu.Lock()
	defer file.mu.Unlock()

	tmpPath := file.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmpPath, err)
	}

	cleanup := func(cause error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return cause
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("failed to write %s: %w", tmpPath, err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("failed to sync %s: %w", tmpPath, err))
	}
	if err := unix.Flock(int(tmp.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return cleanup(fmt.Errorf("failed to lock %s: %w", tmpPath, err))
	}
	if err := os.Rename(tmpPath, file.path); err != nil {
		return cleanup(fmt.Errorf("failed to rename %s: %w", tmpPath, err))
	}

	old := file.file
	file.file = tmp
	file.size = int64(len(data))
	file.writes = 0
	file.lastAccess = time.Now().UnixNano()

	if err := old.Close(); err != nil {
		fr.logger.Warnw("Failed to close replaced file handle", "path", file.path, "error", err)
	}

	if dir, err := os.Open(filepath.Dir(file.path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}

// SyncAfterWrite syncs the file if the sync policy asks for it
func (fr *FileRegistry) SyncAfterWrite(file *ManagedFile) error {
	switch fr.syncPolicy {
	case SyncAlways:
		return file.Sync()
	case SyncInterval:
		file.mu.RLock()
		writes := file.writes
		file.mu.RUnlock()
		if writes%uint64(fr.syncInterval) == 0 {
			return file.Sync()
		}
	}
	return nil
}
