package prefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble/v2"
)

// PebbleStorage keeps preferences in a pebble database. Apply commits one
// batch with pebble.Sync.
type PebbleStorage struct {
	db *pebble.DB
}

func OpenPebble(dir string) (*PebbleStorage, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleStorage{db: db}, nil
}

func (s *PebbleStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), true, nil
}

func (s *PebbleStorage) List(_ context.Context, prefix string) ([]string, error) {
	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = prefixUpperBound([]byte(prefix))
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	var keys []string
	for valid := iter.First(); valid; valid = iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return nil, err
	}
	return keys, iter.Close()
}

func (s *PebbleStorage) Apply(_ context.Context, b *Batch) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, m := range b.Mutations {
		var err error
		if m.Delete {
			err = batch.Delete([]byte(m.Key), nil)
		} else {
			err = batch.Set([]byte(m.Key), m.Value, nil)
		}
		if err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}
