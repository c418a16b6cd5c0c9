package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

var (
	ErrNotFound           = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// prefSuffix keeps a value object from colliding with the directory of its
// sub keys on file-backed buckets.
const prefSuffix = ".pref"

// Store wraps a blob bucket holding the engine's durable metadata: preference
// values, the preference journal, per-slot super metadata and snapshot state.
type Store struct {
	bucket *blob.Bucket
	prefix string
	owns   bool

	// casMu serializes conditional writes issued through this Store.
	casMu sync.Mutex
}

func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", bucketURL, err)
	}
	return &Store{
		bucket: bkt,
		prefix: strings.TrimSuffix(prefix, "/"),
		owns:   true,
	}, nil
}

func New(bkt *blob.Bucket, prefix string) *Store {
	return &Store{
		bucket: bkt,
		prefix: strings.TrimSuffix(prefix, "/"),
		owns:   false,
	}
}

func (s *Store) Close() error {
	if s.owns && s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func (s *Store) Bucket() *blob.Bucket {
	return s.bucket
}

func (s *Store) path(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

// PrefPath is the object holding the value of a preference key.
func (s *Store) PrefPath(key string) string {
	return s.path("prefs", key+prefSuffix)
}

// PrefsPrefix is the listing prefix of every preference under namespace ns.
func (s *Store) PrefsPrefix(ns string) string {
	if ns == "" {
		return s.path("prefs") + "/"
	}
	return s.path("prefs", ns) + "/"
}

// PrefKey is the inverse of PrefPath. It reports false for objects that are
// not preference values.
func (s *Store) PrefKey(objectKey string) (string, bool) {
	root := s.path("prefs") + "/"
	if !strings.HasPrefix(objectKey, root) || !strings.HasSuffix(objectKey, prefSuffix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(objectKey, root), prefSuffix), true
}

// PrefsJournalPath is the redo record of an in-flight multi-key commit.
func (s *Store) PrefsJournalPath() string {
	return s.path("prefs-journal", "PENDING")
}

// SuperMetadataPath is the logical partition table of one slot.
func (s *Store) SuperMetadataPath(slot uint32) string {
	return s.path("super", strconv.FormatUint(uint64(slot), 10), "metadata.json")
}

func (s *Store) SnapshotStatePath() string {
	return s.path("snapshot", "state.json")
}

func (s *Store) SnapshotStatusPath(name string) string {
	return s.path("snapshot", "status", name+".json")
}

func (s *Store) ListSnapshotStatus(ctx context.Context) ([]ObjectInfo, error) {
	result, err := s.List(ctx, ListOptions{Prefix: "snapshot/status/"})
	if err != nil {
		return nil, err
	}
	return result.Objects, nil
}

type Attributes struct {
	Size    int64
	ETag    string
	ModTime time.Time
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, Attributes, error) {
	attr, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, Attributes{}, s.mapError(err)
	}

	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, Attributes{}, s.mapError(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Attributes{}, err
	}

	return data, Attributes{
		Size:    attr.Size,
		ETag:    attr.ETag,
		ModTime: attr.ModTime,
	}, nil
}

// Write replaces key with data. The bucket drivers stage the object and
// publish it in one step, so a failed write leaves the previous object.
func (s *Store) Write(ctx context.Context, key string, data []byte) (Attributes, error) {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return Attributes{}, s.mapError(err)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return Attributes{}, err
	}

	if err := w.Close(); err != nil {
		return Attributes{}, s.mapError(err)
	}

	attr, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return Attributes{}, s.mapError(err)
	}

	return Attributes{
		Size:    attr.Size,
		ETag:    attr.ETag,
		ModTime: attr.ModTime,
	}, nil
}

// WriteIfMatch writes data only when the object's current ETag equals
// ifMatch. An empty ifMatch means the object must not exist yet.
func (s *Store) WriteIfMatch(ctx context.Context, key string, data []byte, ifMatch string) (Attributes, error) {
	s.casMu.Lock()
	defer s.casMu.Unlock()

	currentAttr, err := s.bucket.Attributes(ctx, key)
	objectExists := err == nil
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return Attributes{}, err
	}

	if ifMatch == "" {
		if objectExists {
			return Attributes{}, ErrPreconditionFailed
		}
	} else {
		if !objectExists {
			return Attributes{}, ErrPreconditionFailed
		}
		if currentAttr.ETag != ifMatch {
			return Attributes{}, ErrPreconditionFailed
		}
	}

	return s.Write(ctx, key, data)
}

// Delete removes key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

type ListOptions struct {
	Prefix    string
	Delimiter string
}

type ListResult struct {
	Objects []ObjectInfo
}

type ObjectInfo struct {
	Key   string
	Size  int64
	IsDir bool
}

// List enumerates objects. opts.Prefix is relative to the store prefix.
func (s *Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	prefix := s.prefix
	if opts.Prefix != "" {
		prefix = s.path(opts.Prefix)
		if strings.HasSuffix(opts.Prefix, "/") {
			prefix += "/"
		}
	}
	return s.listRaw(ctx, prefix, opts.Delimiter)
}

// ListKeys enumerates objects under an absolute key prefix as produced by the
// path helpers.
func (s *Store) ListKeys(ctx context.Context, keyPrefix string) ([]string, error) {
	result, err := s.listRaw(ctx, keyPrefix, "")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(result.Objects))
	for _, obj := range result.Objects {
		if !obj.IsDir {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

func (s *Store) listRaw(ctx context.Context, prefix, delimiter string) (*ListResult, error) {
	iter := s.bucket.List(&blob.ListOptions{
		Prefix:    prefix,
		Delimiter: delimiter,
	})

	var result ListResult
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		result.Objects = append(result.Objects, ObjectInfo{
			Key:   obj.Key,
			Size:  obj.Size,
			IsDir: obj.IsDir,
		})
	}

	return &result, nil
}

func (s *Store) mapError(err error) error {
	if err == nil {
		return nil
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return ErrNotFound
	case gcerrors.FailedPrecondition:
		return ErrPreconditionFailed
	default:
		return err
	}
}
