package engine

import (
	"iter"
	"sort"

	"kestreldb/src/models"
)

// Results is the lazy answer to a query. Every iteration re-evaluates the
// predicate against the same fixed set of documents, so iterating twice
// yields the same documents in the same order.
type Results struct {
	table *bundleTable
	pred  *compiled
	expr  Predicate

	sortKey   string
	ascending bool
	sorted    bool
}

func newResults(t *bundleTable, p Predicate) (*Results, error) {
	if p == nil {
		p = All()
	}
	c, err := p.compile(t.bundle)
	if err != nil {
		return nil, err
	}
	return &Results{table: t, pred: c, expr: p}, nil
}

// Bundle is the name of the bundle the results come from.
func (r *Results) Bundle() string {
	return r.table.bundle.Name
}

// Predicate returns the predicate the results were built from.
func (r *Results) Predicate() Predicate {
	return r.expr
}

// Where narrows the results to documents that also match p.
func (r *Results) Where(p Predicate) (*Results, error) {
	out, err := newResults(r.table, And(r.expr, p))
	if err != nil {
		return nil, err
	}
	out.sortKey, out.ascending, out.sorted = r.sortKey, r.ascending, r.sorted
	return out, nil
}

// Sorted returns the results ordered by a field. The sort is stable and
// documents with equal keys keep their storage order. Null values come
// first in ascending order and last in descending order.
func (r *Results) Sorted(key string, ascending bool) (*Results, error) {
	if _, ok := r.table.bundle.Field(key); !ok {
		return nil, fieldErr("sort", r.table.bundle.Name, key, ErrUnknownField)
	}
	out := *r
	out.sortKey, out.ascending, out.sorted = key, ascending, true
	return &out, nil
}

type match struct {
	seq uint64
	doc *models.Document
}

// candidates returns the sequences an index narrows the query down to, or
// false when the whole table has to be scanned.
func (r *Results) candidates() ([]uint64, bool) {
	if r.pred.isEq {
		return r.table.lookup(r.pred.eqField, r.pred.eqValue)
	}
	if r.pred.isAnd {
		for _, child := range r.pred.children {
			if !child.isEq {
				continue
			}
			if seqs, ok := r.table.lookup(child.eqField, child.eqValue); ok {
				return seqs, true
			}
		}
	}
	return nil, false
}

// each visits matching documents in storage order until fn returns false.
func (r *Results) each(fn func(m match) bool) {
	if seqs, ok := r.candidates(); ok {
		for _, seq := range seqs {
			doc, ok := r.table.row(seq)
			if !ok || !r.pred.match(doc) {
				continue
			}
			if !fn(match{seq: seq, doc: doc}) {
				return
			}
		}
		return
	}

	r.table.scan(func(seq uint64, doc *models.Document) bool {
		if !r.pred.match(doc) {
			return true
		}
		return fn(match{seq: seq, doc: doc})
	})
}

func (r *Results) sortedMatches() []match {
	var matches []match
	r.each(func(m match) bool {
		matches = append(matches, m)
		return true
	})

	key, ascending := r.sortKey, r.ascending
	sort.SliceStable(matches, func(i, j int) bool {
		c := compareValues(matches[i].doc.Fields[key], matches[j].doc.Fields[key])
		if c == 0 {
			return matches[i].seq < matches[j].seq
		}
		if ascending {
			return c < 0
		}
		return c > 0
	})
	return matches
}

// All iterates over copies of the matching documents.
func (r *Results) All() iter.Seq[*models.Document] {
	return func(yield func(*models.Document) bool) {
		if r.sorted {
			for _, m := range r.sortedMatches() {
				if !yield(m.doc.Clone()) {
					return
				}
			}
			return
		}
		r.each(func(m match) bool {
			return yield(m.doc.Clone())
		})
	}
}

// Documents materializes the results.
func (r *Results) Documents() []*models.Document {
	docs := make([]*models.Document, 0)
	for doc := range r.All() {
		docs = append(docs, doc)
	}
	return docs
}

// Count returns the number of matching documents.
func (r *Results) Count() int {
	n := 0
	r.each(func(match) bool {
		n++
		return true
	})
	return n
}

// First returns the first matching document.
func (r *Results) First() (*models.Document, bool) {
	for doc := range r.All() {
		return doc, true
	}
	return nil, false
}
