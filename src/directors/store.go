package directors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"kestreldb/src/engine"
	"kestreldb/src/models"
)

// ErrNoDatabase is returned by document operations of a Store that has no
// current database.
var ErrNoDatabase = errors.New("no database is open")

// Store is the entry point of an application. It opens databases through
// its DatabaseService and runs document operations against the database
// opened last, or against any open database through On.
type Store struct {
	mu        sync.RWMutex
	databases *DatabaseService
	current   *BundleService
	logger    *zap.SugaredLogger
}

func NewStore(databases *DatabaseService, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{databases: databases, logger: logger}
}

// Databases returns the service tracking the store's open databases.
func (s *Store) Databases() *DatabaseService {
	return s.databases
}

// OpenDatabase opens or creates the named database and makes it current.
// Opening a database that is already open reuses its handle.
func (s *Store) OpenDatabase(name string) error {
	db, err := s.databases.Open(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Database() != db {
		s.current = NewBundleService(db, s.logger)
	}
	return nil
}

// CloseDatabase closes the named database.
func (s *Store) CloseDatabase(name string) error {
	s.mu.Lock()
	if s.current != nil && strings.EqualFold(s.current.Database().Name(), name) {
		s.current = nil
	}
	s.mu.Unlock()

	return s.databases.Close(name)
}

// DeleteDatabase removes the backing file of a closed database. It fails
// with engine.ErrDatabaseBusy while the database is open.
func (s *Store) DeleteDatabase(name string) error {
	return s.databases.Delete(name)
}

// DeleteAllDatabases removes every database. It fails with
// engine.ErrDatabaseBusy unless every database is closed.
func (s *Store) DeleteAllDatabases() error {
	return s.databases.DeleteAll()
}

// Close closes every open database.
func (s *Store) Close() error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	return s.databases.CloseAll()
}

// On returns the document operations of an open database.
func (s *Store) On(name string) (*BundleService, error) {
	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()
	if current != nil && strings.EqualFold(current.Database().Name(), name) {
		return current, nil
	}

	db, ok := s.databases.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoDatabase)
	}
	return NewBundleService(db, s.logger), nil
}

// Current returns the document operations of the current database.
func (s *Store) Current() (*BundleService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, ErrNoDatabase
	}
	return s.current, nil
}

func (s *Store) Add(doc *models.Document, done func()) (string, error) {
	current, err := s.Current()
	if err != nil {
		return "", err
	}
	return current.Add(doc, done)
}

func (s *Store) AddMany(docs []*models.Document, done func()) ([]string, error) {
	current, err := s.Current()
	if err != nil {
		return nil, err
	}
	return current.AddMany(docs, done)
}

func (s *Store) Delete(doc *models.Document, done func()) error {
	current, err := s.Current()
	if err != nil {
		return err
	}
	return current.Delete(doc, done)
}

func (s *Store) DeleteMany(docs []*models.Document, done func()) error {
	current, err := s.Current()
	if err != nil {
		return err
	}
	return current.DeleteMany(docs, done)
}

func (s *Store) DeleteAll(bundle string, done func()) (int, error) {
	current, err := s.Current()
	if err != nil {
		return 0, err
	}
	return current.DeleteAll(bundle, done)
}

func (s *Store) Update(doc *models.Document) error {
	current, err := s.Current()
	if err != nil {
		return err
	}
	return current.Update(doc)
}

func (s *Store) UpdateMany(docs []*models.Document) (int, error) {
	current, err := s.Current()
	if err != nil {
		return 0, err
	}
	return current.UpdateMany(docs)
}

func (s *Store) RunInTransaction(ctx context.Context, action func(ctx context.Context, tx *engine.Transaction) error) error {
	current, err := s.Current()
	if err != nil {
		return err
	}
	return current.RunInTransaction(ctx, action)
}

func (s *Store) Objects(bundle string) ([]*models.Document, error) {
	current, err := s.Current()
	if err != nil {
		return nil, err
	}
	return current.Objects(bundle)
}

func (s *Store) ObjectsWhere(bundle string, p engine.Predicate) ([]*models.Document, error) {
	current, err := s.Current()
	if err != nil {
		return nil, err
	}
	return current.ObjectsWhere(bundle, p)
}

func (s *Store) ObjectsSorted(bundle string, p engine.Predicate, sortKey string, ascending bool) ([]*models.Document, error) {
	current, err := s.Current()
	if err != nil {
		return nil, err
	}
	return current.ObjectsSorted(bundle, p, sortKey, ascending)
}
