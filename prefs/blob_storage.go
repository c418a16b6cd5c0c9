package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ankur-anand/otaengine/blobstore"
	"github.com/segmentio/ksuid"
)

// journalRecord is the redo log of a multi-key Apply. It is published in one
// object write before any value object changes and removed after the last.
type journalRecord struct {
	ID    string `json:"id"`
	Batch Batch  `json:"batch"`
}

// BlobStorage keeps one object per key in a blobstore.Store. Multi-key
// batches go through a redo journal replayed by OpenBlob, so a crash mid
// Apply is rolled forward on the next open.
type BlobStorage struct {
	store     *blobstore.Store
	ownsStore bool
}

// OpenBlob replays any pending journal and returns storage over store. The
// caller keeps ownership of store.
func OpenBlob(ctx context.Context, store *blobstore.Store) (*BlobStorage, error) {
	s := &BlobStorage{store: store}
	if err := s.recover(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenFile opens file-backed storage rooted at dir.
func OpenFile(ctx context.Context, dir string) (*BlobStorage, error) {
	store, err := blobstore.NewFile(ctx, dir, "")
	if err != nil {
		return nil, err
	}
	s, err := OpenBlob(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s.ownsStore = true
	return s, nil
}

func (s *BlobStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, _, err := s.store.Read(ctx, s.store.PrefPath(key))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *BlobStorage) List(ctx context.Context, prefix string) ([]string, error) {
	objects, err := s.store.ListKeys(ctx, s.store.PrefsPrefix("")+prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		key, ok := s.store.PrefKey(obj)
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *BlobStorage) Apply(ctx context.Context, b *Batch) error {
	if b.Len() == 1 {
		return s.applyMutations(ctx, b.Mutations)
	}

	rec := journalRecord{ID: ksuid.New().String(), Batch: *b}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	if _, err := s.store.Write(ctx, s.store.PrefsJournalPath(), data); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := s.applyMutations(ctx, b.Mutations); err != nil {
		return fmt.Errorf("apply journal %s: %w", rec.ID, err)
	}
	return s.store.Delete(ctx, s.store.PrefsJournalPath())
}

func (s *BlobStorage) Close() error {
	if s.ownsStore {
		return s.store.Close()
	}
	return nil
}

func (s *BlobStorage) applyMutations(ctx context.Context, muts []Mutation) error {
	for _, m := range muts {
		path := s.store.PrefPath(m.Key)
		if m.Delete {
			if err := s.store.Delete(ctx, path); err != nil {
				return fmt.Errorf("delete %q: %w", m.Key, err)
			}
			continue
		}
		if _, err := s.store.Write(ctx, path, m.Value); err != nil {
			return fmt.Errorf("write %q: %w", m.Key, err)
		}
	}
	return nil
}

func (s *BlobStorage) recover(ctx context.Context) error {
	data, _, err := s.store.Read(ctx, s.store.PrefsJournalPath())
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	var rec journalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// The journal object is published atomically, so an undecodable one
		// was never committed and no value object was touched.
		slog.Warn("otaengine: discarding unreadable prefs journal", "error", err)
		return s.store.Delete(ctx, s.store.PrefsJournalPath())
	}
	slog.Info("otaengine: replaying prefs journal", "id", rec.ID, "mutations", rec.Batch.Len())
	if err := s.applyMutations(ctx, rec.Batch.Mutations); err != nil {
		return fmt.Errorf("replay journal %s: %w", rec.ID, err)
	}
	return s.store.Delete(ctx, s.store.PrefsJournalPath())
}
