package directors

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"kestreldb/src/engine"
	"kestreldb/src/models"
)

// BundleService runs the document operations of the store against one open
// database. Each mutating call is a single write transaction. Documents are
// validated before the transaction starts, and the completion callback runs
// on the caller's goroutine once the commit is visible to new readers.
type BundleService struct {
	db     *engine.Database
	logger *zap.SugaredLogger
}

func NewBundleService(db *engine.Database, logger *zap.SugaredLogger) *BundleService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &BundleService{db: db, logger: logger.With("database", db.Name())}
}

// Database returns the database the service works on.
func (s *BundleService) Database() *engine.Database {
	return s.db
}

func complete(fn func()) {
	if fn != nil {
		fn()
	}
}

// Add stores doc, replacing the document with the same identity if there is
// one, and returns its id.
func (s *BundleService) Add(doc *models.Document, done func()) (string, error) {
	ids, err := s.AddMany([]*models.Document{doc}, done)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddMany stores every document in one transaction. Either all of them are
// stored or none.
func (s *BundleService) AddMany(docs []*models.Document, done func()) ([]string, error) {
	prepared, err := s.db.Factory().PrepareAll("add", docs)
	if err != nil {
		return nil, err
	}

	err = s.db.Update(context.Background(), func(_ context.Context, tx *engine.Transaction) error {
		_, err := tx.PutPrepared(prepared, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(prepared))
	for _, doc := range prepared {
		ids = append(ids, doc.DocumentID)
	}
	s.logger.Debugw("Added documents", "count", len(prepared))
	complete(done)
	return ids, nil
}

// Delete removes doc, identified by its primary key or document id.
func (s *BundleService) Delete(doc *models.Document, done func()) error {
	return s.DeleteMany([]*models.Document{doc}, done)
}

// DeleteMany removes every document in one transaction. If any of them does
// not exist nothing is removed and the error wraps engine.ErrNotFound.
func (s *BundleService) DeleteMany(docs []*models.Document, done func()) error {
	type target struct{ bundle, id string }
	targets := make([]target, 0, len(docs))
	for _, doc := range docs {
		id, err := s.db.Factory().Identify("delete", doc)
		if err != nil {
			return err
		}
		targets = append(targets, target{bundle: doc.Bundle, id: id})
	}

	err := s.db.Update(context.Background(), func(_ context.Context, tx *engine.Transaction) error {
		for _, t := range targets {
			if err := tx.Delete(t.bundle, t.id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debugw("Deleted documents", "count", len(targets))
	complete(done)
	return nil
}

// DeleteAll removes every document of a bundle.
func (s *BundleService) DeleteAll(bundle string, done func()) (int, error) {
	if _, err := s.db.Schema().Lookup(bundle); err != nil {
		return 0, err
	}

	var removed int
	err := s.db.Update(context.Background(), func(_ context.Context, tx *engine.Transaction) error {
		var err error
		removed, err = tx.DeleteAll(bundle)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debugw("Deleted all documents", "bundle", bundle, "count", removed)
	complete(done)
	return removed, nil
}

// Update replaces an existing document. A document that does not exist is
// skipped without error.
func (s *BundleService) Update(doc *models.Document) error {
	_, err := s.UpdateMany([]*models.Document{doc})
	return err
}

// UpdateMany replaces the existing documents among docs in one transaction
// and returns how many were replaced.
func (s *BundleService) UpdateMany(docs []*models.Document) (int, error) {
	prepared, err := s.db.Factory().PrepareAll("update", docs)
	if err != nil {
		return 0, err
	}

	var updated int
	err = s.db.Update(context.Background(), func(_ context.Context, tx *engine.Transaction) error {
		var err error
		updated, err = tx.PutPrepared(prepared, false)
		return err
	})
	if err != nil {
		return 0, err
	}

	if skipped := len(prepared) - updated; skipped > 0 {
		s.logger.Debugw("Skipped updates of missing documents", "skipped", skipped)
	}
	return updated, nil
}

// UpdateWhere sets fields on every document of bundle matching p in one
// transaction and returns how many documents changed. The primary key
// cannot be assigned.
func (s *BundleService) UpdateWhere(bundle string, p engine.Predicate, fields map[string]interface{}) (int, error) {
	def, err := s.db.Schema().Lookup(bundle)
	if err != nil {
		return 0, err
	}
	if pk, ok := def.PrimaryKey(); ok {
		if _, assigned := fields[pk.Name]; assigned {
			return 0, &engine.OpError{Op: "update", Bundle: bundle, Field: pk.Name,
				Err: fmt.Errorf("primary key cannot be changed: %w", engine.ErrConstraint)}
		}
	}

	var updated int
	err = s.db.Update(context.Background(), func(_ context.Context, tx *engine.Transaction) error {
		results, err := tx.Query(bundle, p)
		if err != nil {
			return err
		}
		for doc := range results.All() {
			for name, value := range fields {
				doc.Set(name, value)
			}
			if err := tx.Write(doc); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// DeleteWhere removes every document of bundle matching p in one
// transaction and returns how many were removed.
func (s *BundleService) DeleteWhere(bundle string, p engine.Predicate, done func()) (int, error) {
	var removed int
	err := s.db.Update(context.Background(), func(_ context.Context, tx *engine.Transaction) error {
		results, err := tx.Query(bundle, p)
		if err != nil {
			return err
		}
		for _, doc := range results.Documents() {
			if err := tx.Delete(bundle, doc.DocumentID); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debugw("Deleted matching documents", "bundle", bundle, "count", removed)
	complete(done)
	return removed, nil
}

// RunInTransaction runs action in one write transaction, committing when it
// returns nil and aborting otherwise.
func (s *BundleService) RunInTransaction(ctx context.Context, action func(ctx context.Context, tx *engine.Transaction) error) error {
	return s.db.Update(ctx, action)
}

// Objects returns every document of a bundle in storage order.
func (s *BundleService) Objects(bundle string) ([]*models.Document, error) {
	return s.ObjectsWhere(bundle, nil)
}

// ObjectsWhere returns the documents of a bundle matching p.
func (s *BundleService) ObjectsWhere(bundle string, p engine.Predicate) ([]*models.Document, error) {
	var docs []*models.Document
	err := s.db.View(func(snap *engine.Snapshot) error {
		results, err := snap.Query(bundle, p)
		if err != nil {
			return err
		}
		docs = results.Documents()
		return nil
	})
	return docs, err
}

// ObjectsSorted returns the documents of a bundle matching p ordered by
// sortKey.
func (s *BundleService) ObjectsSorted(bundle string, p engine.Predicate, sortKey string, ascending bool) ([]*models.Document, error) {
	var docs []*models.Document
	err := s.db.View(func(snap *engine.Snapshot) error {
		results, err := snap.Query(bundle, p)
		if err != nil {
			return err
		}
		sorted, err := results.Sorted(sortKey, ascending)
		if err != nil {
			return err
		}
		docs = sorted.Documents()
		return nil
	})
	return docs, err
}

// ObjectsFiltered returns the documents of a bundle matching a where clause
// such as `age >= 18 AND name BEGINSWITH[c] "a"`.
func (s *BundleService) ObjectsFiltered(bundle, whereClause string) ([]*models.Document, error) {
	p, err := engine.ParseWhereClause(whereClause)
	if err != nil {
		return nil, fmt.Errorf("where clause of %s: %w", bundle, err)
	}
	return s.ObjectsWhere(bundle, p)
}

// Resolve follows a reference to the document it points to.
func (s *BundleService) Resolve(ref models.Reference) (*models.Document, error) {
	var doc *models.Document
	err := s.db.View(func(snap *engine.Snapshot) error {
		var err error
		doc, err = snap.Resolve(ref)
		return err
	})
	return doc, err
}
