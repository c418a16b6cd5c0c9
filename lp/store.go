package lp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ankur-anand/otaengine/blobstore"
)

var (
	ErrNoMetadata = errors.New("lp: no metadata for slot")
	ErrConflict   = errors.New("lp: concurrent metadata update")
)

// Store persists per-slot metadata as one object per slot, replaced with
// conditional writes so a reader never sees half-written metadata.
type Store struct {
	store *blobstore.Store
}

func NewStore(store *blobstore.Store) *Store {
	return &Store{store: store}
}

// Load returns the metadata of slot and the version token to pass to Save.
func (s *Store) Load(ctx context.Context, slot uint32) (*Metadata, string, error) {
	data, attr, err := s.store.Read(ctx, s.store.SuperMetadataPath(slot))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: %d", ErrNoMetadata, slot)
		}
		return nil, "", err
	}
	md, err := Decode(data)
	if err != nil {
		return nil, "", fmt.Errorf("lp: decode slot %d: %w", slot, err)
	}
	return md, attr.ETag, nil
}

// Save writes md if the stored object still has version etag. An empty
// etag requires that no metadata exists yet.
func (s *Store) Save(ctx context.Context, md *Metadata, etag string) (string, error) {
	if err := md.Validate(); err != nil {
		return "", err
	}
	data, err := Encode(md)
	if err != nil {
		return "", err
	}
	attr, err := s.store.WriteIfMatch(ctx, s.store.SuperMetadataPath(md.Slot), data, etag)
	if err != nil {
		if errors.Is(err, blobstore.ErrPreconditionFailed) {
			return "", ErrConflict
		}
		return "", err
	}
	return attr.ETag, nil
}

// Update applies fn to the current metadata of slot and saves the result,
// retrying when another writer got in first.
func (s *Store) Update(ctx context.Context, slot uint32, fn func(*Metadata) (*Metadata, error)) (*Metadata, error) {
	const maxRetries = 5

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current, etag, err := s.Load(ctx, slot)
		if err != nil && !errors.Is(err, ErrNoMetadata) {
			return nil, err
		}
		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		next.Slot = slot
		if _, err := s.Save(ctx, next, etag); err != nil {
			if errors.Is(err, ErrConflict) {
				backoff := time.Millisecond * 10 * time.Duration(attempt+1)
				if err := sleepWithContext(ctx, backoff); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		return next, nil
	}
	return nil, ErrConflict
}

// Delete removes the metadata of slot.
func (s *Store) Delete(ctx context.Context, slot uint32) error {
	return s.store.Delete(ctx, s.store.SuperMetadataPath(slot))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
