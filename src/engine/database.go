package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"kestreldb/src/filemgr"
	"kestreldb/src/helpers"
	"kestreldb/src/models"
	"kestreldb/src/settings"
)

// Options configure OpenDatabase.
type Options struct {
	// Name of the database. The backing file is <DataDir>/<Name>.kdb.
	Name string

	// Schema supplied by the application. When nil the schema stored in the
	// file is used, and a new database starts with an empty schema.
	Schema *SchemaRegistry

	Settings *settings.Arguments

	// Files is the registry the backing file is opened through. A private
	// registry is created when it is nil.
	Files *filemgr.FileRegistry

	Logger *zap.SugaredLogger
}

// Database is an open database: the current root of its records, the
// journal it is persisted to and the write lock of its transactions.
type Database struct {
	meta     models.Database
	schema   *SchemaRegistry
	factory  *DocumentFactory
	settings *settings.Arguments
	logger   *zap.SugaredLogger

	files   *filemgr.FileRegistry
	file    *filemgr.ManagedFile
	journal *Journal

	current   atomic.Pointer[root]
	writeSlot chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	readers atomic.Int64
	commits atomic.Uint64
}

// OpenDatabase opens the named database, creating its backing file when it
// does not exist. An existing file is replayed and its stored schema checked
// against the supplied one.
func OpenDatabase(opts Options) (*Database, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}

	args := opts.Settings
	if args == nil {
		args = settings.Defaults()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("database", opts.Name)

	files := opts.Files
	if files == nil {
		policy, err := filemgr.ParseSyncPolicy(args.SyncPolicy)
		if err != nil {
			return nil, err
		}
		files, err = filemgr.NewFileRegistry(args.DataDir, policy, args.SyncInterval, logger)
		if err != nil {
			return nil, err
		}
	}

	file, err := files.OpenFile(DatabaseFileName(opts.Name))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", opts.Name, err)
	}

	db := &Database{
		settings:  args,
		logger:    logger,
		files:     files,
		file:      file,
		journal:   NewJournal(files, file, args.Compress, logger),
		writeSlot: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := db.load(opts.Name, opts.Schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("open database %s: %w", opts.Name, err), files.CloseFile(file))
	}

	logger.Infow("Opened database",
		"path", file.Path(),
		"schemaVersion", db.meta.SchemaVersion,
		"bundles", len(db.schema.Bundles()),
		"size", file.Size())
	return db, nil
}

// load replays the backing file, or initializes it when it is empty.
func (db *Database) load(name string, supplied *SchemaRegistry) error {
	var (
		stored   *SchemaRegistry
		replayed *root
		meta     models.Database
	)

	dataFrames := 0
	result, err := db.journal.Replay(func(kind frameKind, payload []byte) error {
		switch kind {
		case frameHeader:
			m, schema, err := decodeHeader(payload)
			if err != nil {
				return err
			}
			meta, stored = m, schema
			if replayed == nil {
				replayed = newRoot(stored)
			}
			return nil
		case frameSnapshot, frameCommit:
			if replayed == nil {
				return fmt.Errorf("%s frame before header: %w", kind, ErrCorruptFile)
			}
			dataFrames++
			return applyFrame(replayed, kind, payload)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if result.frames == 0 {
		return db.initialize(name, supplied)
	}
	if stored == nil {
		return fmt.Errorf("missing header frame: %w", ErrCorruptFile)
	}

	schema := stored
	rewrite := result.torn
	if supplied != nil {
		if err := supplied.Validate(); err != nil {
			return err
		}
		changed, err := checkCompatible(stored, supplied)
		if err != nil {
			return err
		}
		if changed {
			meta.SchemaVersion++
			rewrite = true
			db.logger.Infow("Schema changed", "schemaVersion", meta.SchemaVersion)
		}
		schema = supplied.Clone()
	}

	// Rebuild every table against the effective schema so indexes match it.
	r, err := rebuildRoot(replayed, schema)
	if err != nil {
		return err
	}

	meta.Name = name
	meta.FilePath = db.file.Path()
	schema.freeze()
	db.meta = meta
	db.schema = schema
	db.factory = NewDocumentFactory(schema)
	db.current.Store(r)

	db.logger.Debugw("Replayed journal", "frames", result.frames, "dataFrames", dataFrames, "torn", result.torn)

	if rewrite {
		if err := db.compactLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) initialize(name string, supplied *SchemaRegistry) error {
	schema := NewSchemaRegistry()
	if supplied != nil {
		if err := supplied.Validate(); err != nil {
			return err
		}
		schema = supplied.Clone()
	}
	schema.freeze()

	db.meta = NewDatabaseFactory().NewDatabase(name, db.file.Path())
	db.schema = schema
	db.factory = NewDocumentFactory(schema)

	r := newRoot(schema)
	db.current.Store(r)

	if err := db.journal.Append(frameHeader, encodeHeader(db.meta, schema)); err != nil {
		return err
	}
	db.logger.Infow("Created database", "path", db.file.Path(), "databaseID", db.meta.DatabaseID)
	return nil
}

// applyFrame applies a replayed snapshot or commit frame to an unpublished root.
func applyFrame(r *root, kind frameKind, payload []byte) error {
	switch kind {
	case frameSnapshot:
		var snapshot snapshotPayload
		if err := decodePayload(payload, &snapshot); err != nil {
			return err
		}
		for _, t := range r.tables {
			t.clear()
		}
		for i := range snapshot.Documents {
			if err := applyPut(r, &snapshot.Documents[i]); err != nil {
				return err
			}
		}
		r.version = snapshot.Version
		r.nextSeq = snapshot.NextSeq

	case frameCommit:
		var commit commitPayload
		if err := decodePayload(payload, &commit); err != nil {
			return err
		}
		for _, op := range commit.Ops {
			t, ok := r.table(op.Bundle)
			if !ok {
				return fmt.Errorf("commit references unknown bundle %s: %w", op.Bundle, ErrCorruptFile)
			}
			switch op.Kind {
			case opPut:
				if op.Document == nil {
					return fmt.Errorf("put without document: %w", ErrCorruptFile)
				}
				if err := applyPut(r, op.Document); err != nil {
					return err
				}
			case opDelete:
				t.remove(op.DocumentID)
			case opClear:
				t.clear()
			default:
				return fmt.Errorf("unknown commit op %q: %w", op.Kind, ErrCorruptFile)
			}
		}
		r.version = commit.Version
		r.nextSeq = commit.NextSeq
	}
	return nil
}

func applyPut(r *root, sd *storedDocument) error {
	t, ok := r.table(sd.Bundle)
	if !ok {
		return fmt.Errorf("document of unknown bundle %s: %w", sd.Bundle, ErrCorruptFile)
	}
	doc, err := decodeDocument(sd)
	if err != nil {
		return err
	}
	previous, seq, exists := t.get(sd.DocumentID)
	if exists && seq != sd.Seq {
		t.remove(sd.DocumentID)
		previous = nil
	}
	t.put(sd.Seq, doc, previous)
	return nil
}

func decodePayload(payload []byte, out interface{}) error {
	if err := helpers.DecodeBSON(payload, out); err != nil {
		return fmt.Errorf("%v: %w", err, ErrCorruptFile)
	}
	return nil
}

// rebuildRoot copies every record into fresh tables built from schema and
// checks that records satisfy fields that have become required.
func rebuildRoot(r *root, schema *SchemaRegistry) (*root, error) {
	out := newRoot(schema)
	out.version = r.version
	out.nextSeq = r.nextSeq

	for name, t := range r.tables {
		target := out.tables[name]
		var missing error
		t.scan(func(seq uint64, doc *models.Document) bool {
			for _, field := range target.bundle.Fields {
				if field.IsRequired && doc.Fields[field.Name] == nil {
					missing = fieldErr("open", name, field.Name,
						fmt.Errorf("document %s has no value for required field: %w", doc.DocumentID, ErrSchema))
					return false
				}
			}
			target.put(seq, doc, nil)
			return true
		})
		if missing != nil {
			return nil, missing
		}
	}
	return out, nil
}

// Name returns the name the database was opened with.
func (db *Database) Name() string {
	return db.meta.Name
}

// Meta returns the database metadata.
func (db *Database) Meta() models.Database {
	return db.meta
}

// Schema returns the frozen schema of the database.
func (db *Database) Schema() *SchemaRegistry {
	return db.schema
}

// Factory returns the document factory bound to the database schema.
func (db *Database) Factory() *DocumentFactory {
	return db.factory
}

// Closed reports whether Close has been called.
func (db *Database) Closed() bool {
	return db.closed.Load()
}

// acquireWrite takes the write slot, waiting until it is free, ctx is done
// or the database is closed.
func (db *Database) acquireWrite(ctx context.Context) error {
	if db.closed.Load() {
		return ErrDatabaseClosed
	}
	select {
	case db.writeSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-db.done:
		return ErrDatabaseClosed
	}
	if db.closed.Load() {
		db.releaseWrite()
		return ErrDatabaseClosed
	}
	return nil
}

func (db *Database) releaseWrite() {
	<-db.writeSlot
}

// publish makes r the current root and compacts the journal when it has
// grown past the configured size. Must be called with the write slot held.
func (db *Database) publish(r *root) {
	db.current.Store(r)
	db.commits.Add(1)

	limit := db.settings.MaxJournalFileSize
	if limit > 0 && db.journal.Size() > limit {
		if err := db.compactLocked(); err != nil {
			db.logger.Errorw("Compaction failed", "error", err)
		}
	}
}

// Compact rewrites the backing file as a header and a single snapshot.
func (db *Database) Compact(ctx context.Context) error {
	if err := db.acquireWrite(ctx); err != nil {
		return err
	}
	defer db.releaseWrite()
	return db.compactLocked()
}

func (db *Database) compactLocked() error {
	r := db.current.Load()
	before := db.journal.Size()
	if err := db.journal.Rewrite(encodeHeader(db.meta, db.schema), encodeSnapshot(r)); err != nil {
		return err
	}
	db.logger.Infow("Compacted journal", "before", before, "after", db.journal.Size(), "version", r.version)
	return nil
}

// Close waits for the active write transaction, compacts the journal when
// configured to and releases the backing file. Snapshots taken before Close
// stay readable.
func (db *Database) Close() error {
	db.closeOnce.Do(func() {
		db.writeSlot <- struct{}{}
		db.closed.Store(true)
		close(db.done)

		var errs error
		if db.settings.CompactOnClose {
			if err := db.compactLocked(); err != nil {
				db.logger.Errorw("Compaction on close failed", "error", err)
			}
		}
		errs = multierr.Append(errs, db.files.CloseFile(db.file))
		db.releaseWrite()

		db.closeErr = errs
		db.logger.Infow("Closed database", "commits", db.commits.Load())
	})
	return db.closeErr
}

// Stats describes the current state of a database.
type Stats struct {
	Name          string
	DatabaseID    string
	FilePath      string
	FileSize      int64
	SchemaVersion uint64
	Version       uint64
	ActiveReaders int64
	Documents     map[string]int
}

func (db *Database) Stats() Stats {
	r := db.current.Load()
	stats := Stats{
		Name:          db.meta.Name,
		DatabaseID:    db.meta.DatabaseID,
		FilePath:      db.meta.FilePath,
		FileSize:      db.journal.Size(),
		SchemaVersion: db.meta.SchemaVersion,
		Version:       r.version,
		ActiveReaders: db.readers.Load(),
		Documents:     make(map[string]int, len(r.tables)),
	}
	for name, t := range r.tables {
		stats.Documents[name] = t.len()
	}
	return stats
}

// BeginRead takes a snapshot of the current root. It never blocks.
func (db *Database) BeginRead() (*Snapshot, error) {
	if db.closed.Load() {
		return nil, ErrDatabaseClosed
	}
	db.readers.Add(1)
	return &Snapshot{db: db, root: db.current.Load()}, nil
}

// BeginWrite starts the write transaction of the database, waiting for the
// active one to end. ctx must not carry a write transaction of the same
// database.
func (db *Database) BeginWrite(ctx context.Context) (*Transaction, error) {
	if held, ok := TransactionFromContext(ctx); ok && held.db == db && held.Active() {
		return nil, ErrReentrantTransaction
	}
	if err := db.acquireWrite(ctx); err != nil {
		return nil, err
	}
	return newTransaction(db, db.current.Load()), nil
}

// Update runs fn in a write transaction, committing when fn returns nil and
// aborting otherwise. A panic in fn aborts the transaction and is re-raised.
// The context passed to fn carries the transaction.
func (db *Database) Update(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) (err error) {
	tx, err := db.BeginWrite(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Abort()
			panic(p)
		}
	}()

	if err := fn(ContextWithTransaction(ctx, tx), tx); err != nil {
		tx.Abort()
		return err
	}
	if !tx.Active() {
		return nil
	}
	return tx.Commit()
}

// View runs fn against a snapshot that is released when fn returns.
func (db *Database) View(fn func(s *Snapshot) error) error {
	s, err := db.BeginRead()
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}
