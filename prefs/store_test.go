package prefs

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/ankur-anand/otaengine/blobstore"
	"github.com/stretchr/testify/require"
)

type backendHarness struct {
	storage Storage
	// reopen closes the current storage and opens the same data again.
	reopen func(t *testing.T) Storage
}

type backendFactory struct {
	name string
	new  func(t *testing.T) backendHarness
}

func backendFactories() []backendFactory {
	return []backendFactory{
		{name: "memblob", new: newMemblobBackend},
		{name: "fileblob", new: newFileBackend},
		{name: "pebble", new: newPebbleBackend},
		{name: "badger", new: newBadgerBackend},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, h backendHarness)) {
	t.Helper()
	for _, factory := range backendFactories() {
		t.Run(factory.name, func(t *testing.T) {
			fn(t, factory.new(t))
		})
	}
}

func newMemblobBackend(t *testing.T) backendHarness {
	t.Helper()
	bs := blobstore.NewMemory("device")
	t.Cleanup(func() { _ = bs.Close() })
	open := func(t *testing.T) Storage {
		s, err := OpenBlob(context.Background(), blobstore.NewMemoryFromBucket(bs.Bucket(), "device"))
		require.NoError(t, err)
		return s
	}
	return backendHarness{storage: open(t), reopen: open}
}

func newFileBackend(t *testing.T) backendHarness {
	t.Helper()
	dir := t.TempDir()
	var current Storage
	open := func(t *testing.T) Storage {
		if current != nil {
			require.NoError(t, current.Close())
		}
		s, err := OpenFile(context.Background(), dir)
		require.NoError(t, err)
		current = s
		return s
	}
	s := open(t)
	t.Cleanup(func() { _ = current.Close() })
	return backendHarness{storage: s, reopen: open}
}

func newPebbleBackend(t *testing.T) backendHarness {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "prefs")
	var current Storage
	open := func(t *testing.T) Storage {
		if current != nil {
			require.NoError(t, current.Close())
		}
		s, err := OpenPebble(dir)
		require.NoError(t, err)
		current = s
		return s
	}
	s := open(t)
	t.Cleanup(func() { _ = current.Close() })
	return backendHarness{storage: s, reopen: open}
}

func newBadgerBackend(t *testing.T) backendHarness {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "prefs")
	var current Storage
	open := func(t *testing.T) Storage {
		if current != nil {
			require.NoError(t, current.Close())
		}
		s, err := OpenBadger(dir)
		require.NoError(t, err)
		current = s
		return s
	}
	s := open(t)
	t.Cleanup(func() { _ = current.Close() })
	return backendHarness{storage: s, reopen: open}
}

// storeOver returns a Store that does not close the backend on cleanup; the
// harness owns it.
func storeOver(s Storage) *Store {
	return New(unclosable{s})
}

type unclosable struct{ Storage }

func (unclosable) Close() error { return nil }

func TestInt64RoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h backendHarness) {
		store := storeOver(h.storage)
		for _, v := range []int64{0, 1, -1, 42, -9000, math.MaxInt64, math.MinInt64} {
			require.NoError(t, store.SetInt64("counter", v))
			got, found, err := store.GetInt64("counter")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, v, got)
		}
	})
}

func TestMissingKeyIsNotZero(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h backendHarness) {
		store := storeOver(h.storage)

		v, found, err := store.GetInt64(KeyPayloadAttemptNumber)
		require.NoError(t, err)
		require.False(t, found)
		require.Zero(t, v)

		_, found, err = store.GetString("nothing")
		require.NoError(t, err)
		require.False(t, found)

		_, found, err = store.GetBoolean("nothing")
		require.NoError(t, err)
		require.False(t, found)
		require.False(t, store.Exists("nothing"))
	})
}

func TestUnparseableValue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h backendHarness) {
		store := storeOver(h.storage)
		require.NoError(t, store.SetString("k", "not-a-number"))

		_, found, err := store.GetInt64("k")
		require.Error(t, err)
		require.False(t, found)

		_, found, err = store.GetBoolean("k")
		require.Error(t, err)
		require.False(t, found)

		require.True(t, store.Exists("k"))
	})
}

func TestStringAndBoolean(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h backendHarness) {
		store := storeOver(h.storage)
		require.NoError(t, store.SetString(KeyUpdateCompletedOnBootID, "boot-1234"))
		require.NoError(t, store.SetBoolean(KeyPowerwashRequired, true))

		s, found, err := store.GetString(KeyUpdateCompletedOnBootID)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "boot-1234", s)

		b, found, err := store.GetBoolean(KeyPowerwashRequired)
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, b)

		require.NoError(t, store.SetBoolean(KeyPowerwashRequired, false))
		b, found, err = store.GetBoolean(KeyPowerwashRequired)
		require.NoError(t, err)
		require.True(t, found)
		require.False(t, b)
	})
}

func TestDeleteAndExists(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h backendHarness) {
		store := storeOver(h.storage)
		require.NoError(t, store.SetInt64(KeyNumReboots, 3))
		require.True(t, store.Exists(KeyNumReboots))
		require.NoError(t, store.Delete(KeyNumReboots))
		require.False(t, store.Exists(KeyNumReboots))
		require.NoError(t, store.Delete(KeyNumReboots))
	})
}

func TestValuesSurviveReopen(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h backendHarness) {
		store := storeOver(h.storage)
		require.NoError(t, store.SetInt64(KeyPayloadAttemptNumber, 7))
		require.NoError(t, store.SetString("ns/a/key", "value"))

		reopened := storeOver(h.reopen(t))
		v, found, err := reopened.GetInt64(KeyPayloadAttemptNumber)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, int64(7), v)

		s, found, err := reopened.GetString("ns/a/key")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "value", s)
	})
}

func TestGetSubKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h backendHarness) {
		store := storeOver(h.storage)
		for _, k := range []string{"ns1/b", "ns1/a", "ns1/sub/c", "ns10/x", "other", "ns1"} {
			require.NoError(t, store.SetString(k, "v"))
		}

		keys, err := store.GetSubKeys("ns1")
		require.NoError(t, err)
		require.Equal(t, []string{"ns1/a", "ns1/b", "ns1/sub/c"}, keys)

		all, err := store.GetSubKeys("")
		require.NoError(t, err)
		require.Len(t, all, 6)

		none, err := store.GetSubKeys("missing")
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func TestDeleteFromNamespaces(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h backendHarness) {
		store := storeOver(h.storage)
		for _, k := range []string{"key", "ns1/key", "ns1/deep/key", "ns1/other", "ns2/key", "ns2/mykey", "ns3/key"} {
			require.NoError(t, store.SetString(k, "v"))
		}

		require.NoError(t, store.DeleteFromNamespaces("key", []string{"ns1", "ns2"}))

		remaining, err := store.GetSubKeys("")
		require.NoError(t, err)
		require.Equal(t, []string{"ns1/other", "ns2/mykey", "ns3/key"}, remaining)
	})
}

func TestCreateSubKey(t *testing.T) {
	key, err := CreateSubKey("ns", "dlc-1", "key")
	require.NoError(t, err)
	require.Equal(t, "ns/dlc-1/key", key)

	_, err = CreateSubKey("ns/dlc", "key")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = CreateSubKey("ns", "", "key")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = CreateSubKey()
	require.ErrorIs(t, err, ErrInvalidKey)

	a, err := CreateSubKey("a", "b")
	require.NoError(t, err)
	b, err := CreateSubKey("ab")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestInvalidKeys(t *testing.T) {
	store := New(newMemblobBackend(t).storage)
	for _, k := range []string{"", "/lead", "trail/", "a//b", "has space", "dot.key"} {
		require.ErrorIs(t, store.SetString(k, "v"), ErrInvalidKey, "key %q", k)
		_, _, err := store.GetString(k)
		require.ErrorIs(t, err, ErrInvalidKey, "key %q", k)
	}
}

type recordingObserver struct {
	name   string
	events *[]string
}

func (o *recordingObserver) OnPrefSet(key string) {
	*o.events = append(*o.events, o.name+":set:"+key)
}

func (o *recordingObserver) OnPrefDeleted(key string) {
	*o.events = append(*o.events, o.name+":del:"+key)
}

func TestObservers(t *testing.T) {
	store := New(newMemblobBackend(t).storage)
	var events []string
	first := &recordingObserver{name: "first", events: &events}
	second := &recordingObserver{name: "second", events: &events}

	store.AddObserver("watched", first)
	store.AddObserver("watched", second)

	require.NoError(t, store.SetInt64("watched", 1))
	require.NoError(t, store.SetInt64("watched/child", 1))
	require.NoError(t, store.SetInt64("unwatched", 1))
	require.NoError(t, store.Delete("watched"))

	require.Equal(t, []string{
		"first:set:watched",
		"second:set:watched",
		"first:del:watched",
		"second:del:watched",
	}, events)

	events = nil
	store.RemoveObserver("watched", first)
	require.NoError(t, store.SetBoolean("watched", true))
	require.Equal(t, []string{"second:set:watched"}, events)

	events = nil
	store.RemoveObserver("watched", second)
	require.NoError(t, store.SetBoolean("watched", true))
	require.Empty(t, events)
}

type reentrantObserver struct {
	store *Store
	seen  int64
}

func (o *reentrantObserver) OnPrefSet(key string) {
	o.seen, _, _ = o.store.GetInt64(key)
}

func (o *reentrantObserver) OnPrefDeleted(string) {}

func TestObserverMayReadStore(t *testing.T) {
	store := New(newMemblobBackend(t).storage)
	o := &reentrantObserver{store: store}
	store.AddObserver("k", o)
	require.NoError(t, store.SetInt64("k", 99))
	require.Equal(t, int64(99), o.seen)
}

func TestTransactionSubmit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h backendHarness) {
		ctx := context.Background()
		store := storeOver(h.storage)
		require.NoError(t, store.SetInt64("progress", 1))
		require.NoError(t, store.SetString("gone", "x"))

		require.NoError(t, store.StartTransaction())
		require.ErrorIs(t, store.StartTransaction(), ErrTransactionInProgress)

		require.NoError(t, store.SetInt64("progress", 2))
		require.NoError(t, store.SetInt64("cursor", 4096))
		require.NoError(t, store.Delete("gone"))

		v, found, err := store.GetInt64("progress")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, int64(2), v)
		require.False(t, store.Exists("gone"))

		raw, found, err := h.storage.Get(ctx, "progress")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "1", string(raw))
		_, found, err = h.storage.Get(ctx, "cursor")
		require.NoError(t, err)
		require.False(t, found)

		require.NoError(t, store.SubmitTransaction())
		require.False(t, store.InTransaction())

		raw, found, err = h.storage.Get(ctx, "progress")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "2", string(raw))
		raw, found, err = h.storage.Get(ctx, "cursor")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "4096", string(raw))
		_, found, err = h.storage.Get(ctx, "gone")
		require.NoError(t, err)
		require.False(t, found)
	})
}

func TestTransactionCancel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h backendHarness) {
		store := storeOver(h.storage)
		require.NoError(t, store.SetInt64("progress", 1))

		require.NoError(t, store.StartTransaction())
		require.NoError(t, store.SetInt64("progress", 2))
		require.NoError(t, store.SetInt64("new", 3))
		require.NoError(t, store.CancelTransaction())

		v, _, err := store.GetInt64("progress")
		require.NoError(t, err)
		require.Equal(t, int64(1), v)
		require.False(t, store.Exists("new"))
	})
}

func TestTransactionSubKeysSeeShadow(t *testing.T) {
	store := New(newMemblobBackend(t).storage)
	require.NoError(t, store.SetString("ns/old", "v"))
	require.NoError(t, store.StartTransaction())
	require.NoError(t, store.SetString("ns/new", "v"))
	require.NoError(t, store.Delete("ns/old"))

	keys, err := store.GetSubKeys("ns")
	require.NoError(t, err)
	require.Equal(t, []string{"ns/new"}, keys)
	require.NoError(t, store.CancelTransaction())

	keys, err = store.GetSubKeys("ns")
	require.NoError(t, err)
	require.Equal(t, []string{"ns/old"}, keys)
}

func TestTransactionStateErrors(t *testing.T) {
	store := New(newMemblobBackend(t).storage)
	require.ErrorIs(t, store.SubmitTransaction(), ErrNoTransaction)
	require.ErrorIs(t, store.CancelTransaction(), ErrNoTransaction)
	require.NoError(t, store.StartTransaction())
	require.NoError(t, store.SubmitTransaction())
	require.ErrorIs(t, store.SubmitTransaction(), ErrNoTransaction)
}

type failingStorage struct {
	Storage
	failApply bool
}

func (f *failingStorage) Apply(ctx context.Context, b *Batch) error {
	if f.failApply {
		return errors.New("disk full")
	}
	return f.Storage.Apply(ctx, b)
}

func TestFailedWriteKeepsPriorValue(t *testing.T) {
	backend := &failingStorage{Storage: newMemblobBackend(t).storage}
	store := New(backend)
	require.NoError(t, store.SetInt64("k", 1))

	backend.failApply = true
	require.Error(t, store.SetInt64("k", 2))

	require.NoError(t, store.StartTransaction())
	require.NoError(t, store.SetInt64("k", 3))
	require.Error(t, store.SubmitTransaction())
	require.False(t, store.InTransaction())

	backend.failApply = false
	v, found, err := store.GetInt64("k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), v)
}

func TestClosedStore(t *testing.T) {
	store := New(newMemblobBackend(t).storage)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
	require.ErrorIs(t, store.SetInt64("k", 1), ErrClosed)
	_, _, err := store.GetInt64("k")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, store.StartTransaction(), ErrClosed)
}
