package engine

import (
	"context"
	"fmt"
	"sync"

	"kestreldb/src/models"
)

type txState int

const (
	txActive txState = iota
	txCommitted
	txAborted
)

func (s txState) String() string {
	switch s {
	case txActive:
		return "active"
	case txCommitted:
		return "committed"
	}
	return "aborted"
}

// Transaction is the single write transaction of a database. Its writes are
// private until Commit publishes them as a new root.
type Transaction struct {
	mu    sync.Mutex
	db    *Database
	work  *workingRoot
	ops   []commitOp
	state txState
}

func newTransaction(db *Database, base *root) *Transaction {
	return &Transaction{db: db, work: newWorkingRoot(base)}
}

type txContextKey struct{}

// ContextWithTransaction returns a context that carries tx. BeginWrite uses
// it to detect a caller asking for a second write transaction.
func ContextWithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TransactionFromContext returns the transaction carried by ctx.
func TransactionFromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*Transaction)
	return tx, ok && tx != nil
}

// Active reports whether the transaction can still be written to.
func (tx *Transaction) Active() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == txActive
}

// Database returns the database the transaction belongs to.
func (tx *Transaction) Database() *Database {
	return tx.db
}

func (tx *Transaction) checkActive(op, bundle string) error {
	if tx.state != txActive {
		return opErr(op, bundle, "", fmt.Errorf("transaction is %s: %w", tx.state, ErrWriteOutsideTransaction))
	}
	return nil
}

// Allocate inserts a new document and returns its id. A document whose id
// is already live in its bundle fails with ErrConstraint.
func (tx *Transaction) Allocate(doc *models.Document) (string, error) {
	prepared, err := tx.db.factory.Prepare("allocate", doc)
	if err != nil {
		return "", err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive("allocate", prepared.Bundle); err != nil {
		return "", err
	}
	return prepared.DocumentID, tx.insert(prepared)
}

func (tx *Transaction) insert(doc *models.Document) error {
	t, err := tx.mutable("allocate", doc.Bundle)
	if err != nil {
		return err
	}
	if _, _, exists := t.get(doc.DocumentID); exists {
		return opErr("allocate", doc.Bundle, doc.DocumentID, ErrConstraint)
	}

	tx.db.factory.stamp(doc, nil)
	seq := tx.work.allocateSeq()
	t.put(seq, doc, nil)
	tx.ops = append(tx.ops, commitOp{Kind: opPut, Bundle: doc.Bundle, Document: encodeDocument(seq, doc)})
	return nil
}

// Write replaces every field of an existing document. It fails with
// ErrNotFound when the document does not exist.
func (tx *Transaction) Write(doc *models.Document) error {
	prepared, err := tx.db.factory.Prepare("write", doc)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive("write", prepared.Bundle); err != nil {
		return err
	}
	return tx.replace(prepared)
}

func (tx *Transaction) replace(doc *models.Document) error {
	t, err := tx.mutable("write", doc.Bundle)
	if err != nil {
		return err
	}
	previous, seq, exists := t.get(doc.DocumentID)
	if !exists {
		return opErr("write", doc.Bundle, doc.DocumentID, ErrNotFound)
	}

	tx.db.factory.stamp(doc, previous)
	t.put(seq, doc, previous)
	tx.ops = append(tx.ops, commitOp{Kind: opPut, Bundle: doc.Bundle, Document: encodeDocument(seq, doc)})
	return nil
}

// Put inserts doc or replaces the document with the same id.
func (tx *Transaction) Put(doc *models.Document) (string, error) {
	prepared, err := tx.db.factory.Prepare("put", doc)
	if err != nil {
		return "", err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive("put", prepared.Bundle); err != nil {
		return "", err
	}
	return prepared.DocumentID, tx.put(prepared)
}

func (tx *Transaction) put(doc *models.Document) error {
	t, err := tx.mutable("put", doc.Bundle)
	if err != nil {
		return err
	}
	if _, _, exists := t.get(doc.DocumentID); exists {
		return tx.replace(doc)
	}
	return tx.insert(doc)
}

// PutPrepared stores documents already validated by the database's
// DocumentFactory. When upsert is false, documents whose id is not live are
// skipped and the number of stored documents is returned.
func (tx *Transaction) PutPrepared(docs []*models.Document, upsert bool) (int, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	stored := 0
	for _, doc := range docs {
		if err := tx.checkActive("put", doc.Bundle); err != nil {
			return stored, err
		}
		if !upsert {
			t, err := tx.mutable("write", doc.Bundle)
			if err != nil {
				return stored, err
			}
			if _, _, exists := t.get(doc.DocumentID); !exists {
				continue
			}
		}
		if err := tx.put(doc.Clone()); err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

// Delete removes a document. Snapshots taken earlier still see it.
func (tx *Transaction) Delete(bundle, id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive("delete", bundle); err != nil {
		return err
	}
	t, err := tx.mutable("delete", bundle)
	if err != nil {
		return err
	}
	if _, ok := t.remove(id); !ok {
		return opErr("delete", bundle, id, ErrNotFound)
	}
	tx.ops = append(tx.ops, commitOp{Kind: opDelete, Bundle: bundle, DocumentID: id})
	return nil
}

// DeleteAll removes every document of a bundle and returns how many there were.
func (tx *Transaction) DeleteAll(bundle string) (int, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive("delete all", bundle); err != nil {
		return 0, err
	}
	t, err := tx.mutable("delete all", bundle)
	if err != nil {
		return 0, err
	}
	n := t.len()
	t.clear()
	tx.ops = append(tx.ops, commitOp{Kind: opClear, Bundle: bundle})
	return n, nil
}

// Read returns a document as the transaction sees it, including its own writes.
func (tx *Transaction) Read(bundle, id string) (*models.Document, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive("read", bundle); err != nil {
		return nil, err
	}
	return readDocument(tx.work.next, bundle, id)
}

// Query evaluates p against the documents of bundle as the transaction sees
// them now. Later writes of the transaction do not change the results.
func (tx *Transaction) Query(bundle string, p Predicate) (*Results, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive("query", bundle); err != nil {
		return nil, err
	}
	t, ok := tx.work.next.table(bundle)
	if !ok {
		return nil, opErr("query", bundle, "", ErrUnknownType)
	}
	if tx.work.touched[bundle] {
		t = t.clone()
	}
	return newResults(t, p)
}

func (tx *Transaction) mutable(op, bundle string) (*bundleTable, error) {
	t, ok := tx.work.mutable(bundle)
	if !ok {
		return nil, opErr(op, bundle, "", ErrUnknownType)
	}
	return t, nil
}

// Commit appends the transaction's writes to the journal and publishes them.
// If the journal cannot be written the transaction is rolled back and the
// error wraps ErrCommit.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive("commit", ""); err != nil {
		return err
	}

	db := tx.db
	defer db.releaseWrite()

	if len(tx.ops) == 0 {
		tx.state = txCommitted
		return nil
	}

	payload := commitPayload{Version: tx.work.next.version, NextSeq: tx.work.next.nextSeq, Ops: tx.ops}
	if err := db.journal.Append(frameCommit, payload); err != nil {
		tx.state = txAborted
		tx.discard()
		db.logger.Errorw("Commit failed, transaction rolled back", "error", err, "ops", len(payload.Ops))
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}

	tx.state = txCommitted
	db.publish(tx.work.next)
	db.logger.Debugw("Committed transaction", "version", payload.Version, "ops", len(payload.Ops))
	tx.discard()
	return nil
}

// Abort discards the transaction's writes. It is safe to call more than
// once and after Commit.
func (tx *Transaction) Abort() {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != txActive {
		return
	}
	tx.state = txAborted
	tx.discard()
	tx.db.releaseWrite()
	tx.db.logger.Debugw("Aborted transaction")
}

func (tx *Transaction) discard() {
	tx.ops = nil
	tx.work = nil
}
