package directors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kestreldb/src/engine"
	"kestreldb/src/filemgr"
	"kestreldb/src/settings"
)

// DatabaseService tracks the open databases of a process by name. A
// database is added by the first Open and removed by Close or Delete.
// Names are matched case insensitively.
type DatabaseService struct {
	mu        sync.Mutex
	settings  *settings.Arguments
	schema    *engine.SchemaRegistry
	files     *filemgr.FileRegistry
	databases map[string]*engine.Database
	logger    *zap.SugaredLogger
}

// NewDatabaseService creates a DatabaseService for the data directory of
// args. Every database it opens is checked against schema; a nil schema
// adopts whatever schema each file already stores.
func NewDatabaseService(args *settings.Arguments, schema *engine.SchemaRegistry, logger *zap.SugaredLogger) (*DatabaseService, error) {
	if args == nil {
		args = settings.Defaults()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if schema != nil {
		if err := schema.Validate(); err != nil {
			return nil, err
		}
	}

	policy, err := filemgr.ParseSyncPolicy(args.SyncPolicy)
	if err != nil {
		return nil, err
	}
	files, err := filemgr.NewFileRegistry(args.DataDir, policy, args.SyncInterval, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}

	return &DatabaseService{
		settings:  args,
		schema:    schema,
		files:     files,
		databases: make(map[string]*engine.Database),
		logger:    logger,
	}, nil
}

func databaseKey(name string) string {
	return strings.ToLower(name)
}

// Open returns the open database called name, opening or creating its
// backing file first when it is not open yet.
func (s *DatabaseService) Open(name string) (*engine.Database, error) {
	if err := engine.ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if db, exists := s.databases[databaseKey(name)]; exists {
		return db, nil
	}

	fileName, err := s.resolveName(name)
	if err != nil {
		return nil, err
	}

	var schema *engine.SchemaRegistry
	if s.schema != nil {
		schema = s.schema.Clone()
	}
	db, err := engine.OpenDatabase(engine.Options{
		Name:     fileName,
		Schema:   schema,
		Settings: s.settings,
		Files:    s.files,
		Logger:   s.logger,
	})
	if err != nil {
		s.logger.Errorw("Failed to open database", "database", name, "error", err)
		return nil, err
	}

	s.databases[databaseKey(name)] = db
	return db, nil
}

// resolveName returns the stored spelling of name when a backing file for
// it exists with a different case, and name itself otherwise.
func (s *DatabaseService) resolveName(name string) (string, error) {
	stored, err := s.StoredDatabases()
	if err != nil {
		return "", err
	}
	for _, candidate := range stored {
		if strings.EqualFold(candidate, name) {
			return candidate, nil
		}
	}
	return name, nil
}

// Get returns the database called name if it is open.
func (s *DatabaseService) Get(name string) (*engine.Database, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, exists := s.databases[databaseKey(name)]
	return db, exists
}

// Close closes the database called name. Closing a database that is not
// open does nothing.
func (s *DatabaseService) Close(name string) error {
	s.mu.Lock()
	db, exists := s.databases[databaseKey(name)]
	delete(s.databases, databaseKey(name))
	s.mu.Unlock()

	if !exists {
		s.logger.Debugw("Database not open, nothing to close", "database", name)
		return nil
	}
	return db.Close()
}

// CloseAll closes every open database.
func (s *DatabaseService) CloseAll() error {
	s.mu.Lock()
	databases := s.databases
	s.databases = make(map[string]*engine.Database)
	s.mu.Unlock()

	var errs error
	for _, db := range databases {
		errs = multierr.Append(errs, db.Close())
	}
	return errs
}

// Delete removes the backing file of a closed database.
func (s *DatabaseService) Delete(name string) error {
	if err := engine.ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.databases[databaseKey(name)]; exists {
		return fmt.Errorf("delete %s: %w", name, engine.ErrDatabaseBusy)
	}

	fileName, err := s.resolveName(name)
	if err != nil {
		return err
	}
	if !s.files.Exists(engine.DatabaseFileName(fileName)) {
		return fmt.Errorf("delete %s: %w", name, engine.ErrNotFound)
	}
	if err := s.files.RemoveFile(engine.DatabaseFileName(fileName)); err != nil {
		return busyIfInUse("delete "+name, err)
	}

	s.logger.Infow("Deleted database", "database", fileName)
	return nil
}

// DeleteAll removes the backing file of every database in the data
// directory. Nothing is removed while any database is open.
func (s *DatabaseService) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.databases) > 0 {
		return fmt.Errorf("delete all: %d open (%s): %w",
			len(s.databases), strings.Join(s.openNamesLocked(), ", "), engine.ErrDatabaseBusy)
	}

	stored, err := s.StoredDatabases()
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, name := range stored {
		fileName := engine.DatabaseFileName(name)
		g.Go(func() error {
			return s.files.RemoveFile(fileName)
		})
	}
	if err := g.Wait(); err != nil {
		return busyIfInUse("delete all", err)
	}

	s.logger.Infow("Deleted all databases", "count", len(stored))
	return nil
}

// busyIfInUse reports a file that is still held open, for instance by a
// Close that has not finished, as ErrDatabaseBusy.
func busyIfInUse(op string, err error) error {
	if errors.Is(err, filemgr.ErrFileInUse) {
		return fmt.Errorf("%s: %w: %w", op, engine.ErrDatabaseBusy, err)
	}
	return err
}

// List returns the names of the open databases in sorted order.
func (s *DatabaseService) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openNamesLocked()
}

func (s *DatabaseService) openNamesLocked() []string {
	names := make([]string, 0, len(s.databases))
	for _, db := range s.databases {
		names = append(names, db.Name())
	}
	sort.Strings(names)
	return names
}

// StoredDatabases returns the names of all databases with a backing file in
// the data directory, open or not.
func (s *DatabaseService) StoredDatabases() ([]string, error) {
	files, err := s.files.ListFiles(engine.DatabaseFileExt)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, file := range files {
		names = append(names, engine.DatabaseNameFromFile(file))
	}
	return names, nil
}
