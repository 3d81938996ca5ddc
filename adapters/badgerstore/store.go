// Package badgerstore keeps read-model documents in an embedded Badger
// database. Documents are JSON encoded under one key per id, with optional
// unique index entries pointing back at the id.
package badgerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

type Store struct {
	db *badger.DB
}

func Open(path string, log *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	if log != nil {
		log.Debug("badger opened", slog.String("path", path))
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Docs binds a typed document collection to the store.
func Docs[T any](s *Store, collection string) *DocStore[T] {
	return &DocStore[T]{db: s.db, collection: collection}
}

type DocStore[T any] struct {
	db         *badger.DB
	collection string
}

func (d *DocStore[T]) docKey(id string) []byte {
	return []byte("doc:" + d.collection + ":" + id)
}

func (d *DocStore[T]) idxRecordKey(id string) []byte {
	return []byte("docidx:" + d.collection + ":" + id)
}

func (d *DocStore[T]) idxKey(index, value string) []byte {
	return []byte("idx:" + d.collection + ":" + index + ":" + value)
}

// Put upserts the document and swaps its index entries in one transaction.
// Stale entries from a previous version of the document are removed.
func (d *DocStore[T]) Put(id string, doc T, indexes map[string]string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	idxData, err := json.Marshal(indexes)
	if err != nil {
		return err
	}

	return d.db.Update(func(txn *badger.Txn) error {
		old := map[string]string{}
		item, err := txn.Get(d.idxRecordKey(id))
		if err == nil {
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &old)
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		for index, value := range old {
			if indexes[index] == value {
				continue
			}
			if err := txn.Delete(d.idxKey(index, value)); err != nil {
				return err
			}
		}
		for index, value := range indexes {
			if err := txn.Set(d.idxKey(index, value), []byte(id)); err != nil {
				return err
			}
		}

		if err := txn.Set(d.idxRecordKey(id), idxData); err != nil {
			return err
		}
		return txn.Set(d.docKey(id), data)
	})
}

func (d *DocStore[T]) Get(id string) (doc T, found bool, err error) {
	err = d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(d.docKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &doc)
		})
	})
	return doc, found, err
}

func (d *DocStore[T]) GetByIndex(index, value string) (doc T, found bool, err error) {
	var id string
	err = d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(d.idxKey(index, value))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			id = string(v)
			return nil
		})
	})
	if err != nil || id == "" {
		return doc, false, err
	}
	return d.Get(id)
}

// List walks the collection in key order and returns up to limit documents
// after skipping offset of them.
func (d *DocStore[T]) List(limit, offset int) ([]T, error) {
	var docs []T
	err := d.db.View(func(txn *badger.Txn) error {
		prefix := []byte("doc:" + d.collection + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		skipped := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(docs) == limit {
				break
			}
			var doc T
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &doc)
			}); err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}

func (d *DocStore[T]) Delete(id string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		old := map[string]string{}
		item, err := txn.Get(d.idxRecordKey(id))
		if err == nil {
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &old)
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		for index, value := range old {
			if err := txn.Delete(d.idxKey(index, value)); err != nil {
				return err
			}
		}
		if err := txn.Delete(d.idxRecordKey(id)); err != nil {
			return err
		}
		return txn.Delete(d.docKey(id))
	})
}
