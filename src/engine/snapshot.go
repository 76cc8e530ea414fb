package engine

import (
	"sync/atomic"

	"kestreldb/src/models"
)

// Snapshot is a read-only view of a database as of BeginRead. Its contents
// never change, whatever is committed afterwards.
type Snapshot struct {
	db       *Database
	root     *root
	released atomic.Bool
}

// Version is the commit version the snapshot was taken at.
func (s *Snapshot) Version() uint64 {
	return s.root.version
}

// Read returns a copy of the document with the given id.
func (s *Snapshot) Read(bundle, id string) (*models.Document, error) {
	return readDocument(s.root, bundle, id)
}

// Resolve follows a reference. Dangling references fail with ErrNotFound.
func (s *Snapshot) Resolve(ref models.Reference) (*models.Document, error) {
	return readDocument(s.root, ref.Bundle, ref.DocumentID)
}

// Count returns the number of documents in bundle.
func (s *Snapshot) Count(bundle string) (int, error) {
	t, ok := s.root.table(bundle)
	if !ok {
		return 0, opErr("count", bundle, "", ErrUnknownType)
	}
	return t.len(), nil
}

// Query evaluates p against the documents of bundle. A nil p matches every
// document.
func (s *Snapshot) Query(bundle string, p Predicate) (*Results, error) {
	t, ok := s.root.table(bundle)
	if !ok {
		return nil, opErr("query", bundle, "", ErrUnknownType)
	}
	return newResults(t, p)
}

// Release ends the read. The snapshot must not be used afterwards.
func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.db.readers.Add(-1)
	}
}

func readDocument(r *root, bundle, id string) (*models.Document, error) {
	t, ok := r.table(bundle)
	if !ok {
		return nil, opErr("read", bundle, id, ErrUnknownType)
	}
	doc, _, ok := t.get(id)
	if !ok {
		return nil, opErr("read", bundle, id, ErrNotFound)
	}
	return doc.Clone(), nil
}
