package engine

import (
	"bytes"
	"sort"
	"strings"

	"github.com/google/btree"

	"kestreldb/src/models"
)

/*

Records of a bundle live in a bundleTable: a tree of rows ordered by storage
sequence, a tree mapping document ids to sequences and one tree per indexed
field. A root ties the tables of a database together. Published roots are
never modified; a write transaction clones the tables it touches and the
clone shares nodes with the original until they are written.

*/

const btreeDegree = 32

type rowItem struct {
	seq uint64
	doc *models.Document
}

type idItem struct {
	id  string
	seq uint64
}

type indexItem struct {
	key []byte
	seq uint64
}

func rowLess(a, b rowItem) bool { return a.seq < b.seq }

func idLess(a, b idItem) bool { return strings.Compare(a.id, b.id) < 0 }

func indexLess(a, b indexItem) bool {
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

type bundleTable struct {
	bundle  models.Bundle
	rows    *btree.BTreeG[rowItem]
	ids     *btree.BTreeG[idItem]
	indexes map[string]*btree.BTreeG[indexItem]
}

func newBundleTable(bundle models.Bundle) *bundleTable {
	t := &bundleTable{
		bundle:  bundle,
		rows:    btree.NewG(btreeDegree, rowLess),
		ids:     btree.NewG(btreeDegree, idLess),
		indexes: make(map[string]*btree.BTreeG[indexItem]),
	}
	for _, field := range bundle.Fields {
		if field.IsIndexed {
			t.indexes[field.Name] = btree.NewG(btreeDegree, indexLess)
		}
	}
	return t
}

// clone returns a copy of the table that can be modified without affecting t.
func (t *bundleTable) clone() *bundleTable {
	out := &bundleTable{
		bundle:  t.bundle,
		rows:    t.rows.Clone(),
		ids:     t.ids.Clone(),
		indexes: make(map[string]*btree.BTreeG[indexItem], len(t.indexes)),
	}
	for name, index := range t.indexes {
		out.indexes[name] = index.Clone()
	}
	return out
}

func (t *bundleTable) len() int {
	return t.ids.Len()
}

func (t *bundleTable) get(id string) (*models.Document, uint64, bool) {
	item, ok := t.ids.Get(idItem{id: id})
	if !ok {
		return nil, 0, false
	}
	row, ok := t.rows.Get(rowItem{seq: item.seq})
	if !ok {
		return nil, 0, false
	}
	return row.doc, item.seq, true
}

func (t *bundleTable) row(seq uint64) (*models.Document, bool) {
	row, ok := t.rows.Get(rowItem{seq: seq})
	return row.doc, ok
}

// put stores doc at seq, replacing previous when it is the document
// currently stored under the same id.
func (t *bundleTable) put(seq uint64, doc, previous *models.Document) {
	if previous != nil {
		t.unindex(seq, previous)
	}
	t.rows.ReplaceOrInsert(rowItem{seq: seq, doc: doc})
	t.ids.ReplaceOrInsert(idItem{id: doc.DocumentID, seq: seq})
	t.index(seq, doc)
}

func (t *bundleTable) remove(id string) (*models.Document, bool) {
	item, ok := t.ids.Delete(idItem{id: id})
	if !ok {
		return nil, false
	}
	row, ok := t.rows.Delete(rowItem{seq: item.seq})
	if !ok {
		return nil, false
	}
	t.unindex(item.seq, row.doc)
	return row.doc, true
}

func (t *bundleTable) clear() {
	t.rows.Clear(false)
	t.ids.Clear(false)
	for _, index := range t.indexes {
		index.Clear(false)
	}
}

func (t *bundleTable) index(seq uint64, doc *models.Document) {
	for name, index := range t.indexes {
		key, err := encodeIndexKey(doc.Fields[name])
		if err != nil {
			continue
		}
		index.ReplaceOrInsert(indexItem{key: key, seq: seq})
	}
}

func (t *bundleTable) unindex(seq uint64, doc *models.Document) {
	for name, index := range t.indexes {
		key, err := encodeIndexKey(doc.Fields[name])
		if err != nil {
			continue
		}
		index.Delete(indexItem{key: key, seq: seq})
	}
}

// scan visits rows in storage order until fn returns false.
func (t *bundleTable) scan(fn func(seq uint64, doc *models.Document) bool) {
	t.rows.Ascend(func(item rowItem) bool {
		return fn(item.seq, item.doc)
	})
}

// lookup returns the storage sequences of the rows whose indexed field
// equals value, in storage order. ok is false when the field has no index.
func (t *bundleTable) lookup(field string, value interface{}) (seqs []uint64, ok bool) {
	index, exists := t.indexes[field]
	if !exists {
		return nil, false
	}
	key, err := encodeIndexKey(value)
	if err != nil {
		return nil, false
	}
	index.AscendGreaterOrEqual(indexItem{key: key}, func(item indexItem) bool {
		if !bytes.Equal(item.key, key) {
			return false
		}
		seqs = append(seqs, item.seq)
		return true
	})
	return seqs, true
}

// root is one version of the whole record set of a database.
type root struct {
	version uint64
	nextSeq uint64
	tables  map[string]*bundleTable
}

func newRoot(schema *SchemaRegistry) *root {
	r := &root{nextSeq: 1, tables: make(map[string]*bundleTable)}
	for _, bundle := range schema.Bundles() {
		r.tables[bundle.Name] = newBundleTable(bundle)
	}
	return r
}

func (r *root) table(name string) (*bundleTable, bool) {
	t, ok := r.tables[name]
	return t, ok
}

func sortedTableNames(r *root) []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// workingRoot is the private, mutable successor of a published root.
type workingRoot struct {
	base    *root
	next    *root
	touched map[string]bool
}

func newWorkingRoot(base *root) *workingRoot {
	next := &root{
		version: base.version + 1,
		nextSeq: base.nextSeq,
		tables:  make(map[string]*bundleTable, len(base.tables)),
	}
	for name, t := range base.tables {
		next.tables[name] = t
	}
	return &workingRoot{base: base, next: next, touched: make(map[string]bool)}
}

// mutable returns the table of the working root, cloning it on first use.
func (w *workingRoot) mutable(name string) (*bundleTable, bool) {
	t, ok := w.next.tables[name]
	if !ok {
		return nil, false
	}
	if !w.touched[name] {
		t = t.clone()
		w.next.tables[name] = t
		w.touched[name] = true
	}
	return t, true
}

func (w *workingRoot) allocateSeq() uint64 {
	seq := w.next.nextSeq
	w.next.nextSeq++
	return seq
}

func (w *workingRoot) dirty() bool {
	return len(w.touched) > 0
}
