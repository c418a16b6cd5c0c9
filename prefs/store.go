package prefs

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

type shadowEntry struct {
	value   []byte
	deleted bool
}

// Store implements Prefs over a Storage backend. It is safe for concurrent
// use; observers are invoked without the store lock held, so they may call
// back into the store.
type Store struct {
	storage Storage

	mu        sync.Mutex
	observers map[string][]Observer
	shadow    map[string]shadowEntry
	closed    bool
}

var _ Prefs = (*Store)(nil)

// New wraps storage. The Store owns storage and closes it on Close.
func New(storage Storage) *Store {
	if storage == nil {
		panic("prefs: nil storage")
	}
	return &Store{
		storage:   storage,
		observers: make(map[string][]Observer),
	}
}

func (s *Store) GetString(key string) (string, bool, error) {
	raw, found, err := s.get(key)
	if err != nil || !found {
		return "", false, err
	}
	return string(raw), true, nil
}

func (s *Store) SetString(key, value string) error {
	return s.set(key, []byte(value))
}

func (s *Store) GetInt64(key string) (int64, bool, error) {
	raw, found, err := s.get(key)
	if err != nil || !found {
		return 0, false, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("prefs: key %q is not an int64: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) SetInt64(key string, value int64) error {
	return s.set(key, []byte(strconv.FormatInt(value, 10)))
}

func (s *Store) GetBoolean(key string) (bool, bool, error) {
	raw, found, err := s.get(key)
	if err != nil || !found {
		return false, false, err
	}
	switch strings.TrimSpace(string(raw)) {
	case "true":
		return true, true, nil
	case "false":
		return false, true, nil
	default:
		return false, false, fmt.Errorf("prefs: key %q is not a boolean: %q", key, raw)
	}
}

func (s *Store) SetBoolean(key string, value bool) error {
	return s.set(key, []byte(strconv.FormatBool(value)))
}

// Exists reports whether key holds a value. Read errors count as absent.
func (s *Store) Exists(key string) bool {
	_, found, err := s.get(key)
	return err == nil && found
}

// Delete removes key. Deleting a missing key succeeds and still notifies
// observers.
func (s *Store) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return s.apply([]Mutation{{Key: key, Delete: true}})
}

// DeleteFromNamespaces removes key and, within each namespace, every sub key
// equal to key or ending in "/"+key. All removals are applied as one batch.
func (s *Store) DeleteFromNamespaces(key string, namespaces []string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	muts := []Mutation{{Key: key, Delete: true}}
	var errs *multierror.Error
	for _, ns := range namespaces {
		subKeys, err := s.GetSubKeys(ns)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("namespace %q: %w", ns, err))
			continue
		}
		for _, sk := range subKeys {
			if sk != key && strings.HasSuffix(sk, Separator+key) {
				muts = append(muts, Mutation{Key: sk, Delete: true})
			}
		}
	}
	if err := s.apply(muts); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// GetSubKeys returns, sorted, every key stored under namespace. An empty
// namespace lists the whole store.
func (s *Store) GetSubKeys(namespace string) ([]string, error) {
	prefix := namespacePrefix(namespace)
	keys, err := s.storage.List(context.Background(), prefix)
	if err != nil {
		return nil, fmt.Errorf("prefs: list %q: %w", namespace, err)
	}

	s.mu.Lock()
	if s.shadow != nil {
		present := make(map[string]bool, len(keys))
		for _, k := range keys {
			present[k] = true
		}
		for k, e := range s.shadow {
			if strings.HasPrefix(k, prefix) {
				present[k] = !e.deleted
			}
		}
		keys = keys[:0]
		for k, ok := range present {
			if ok {
				keys = append(keys, k)
			}
		}
	}
	s.mu.Unlock()

	slices.Sort(keys)
	return keys, nil
}

func (s *Store) AddObserver(key string, o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[key] = append(s.observers[key], o)
}

// RemoveObserver unregisters the first registration of o for key.
func (s *Store) RemoveObserver(key string, o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.observers[key]
	for i, existing := range list {
		if existing == o {
			list = slices.Delete(list, i, i+1)
			break
		}
	}
	if len(list) == 0 {
		delete(s.observers, key)
		return
	}
	s.observers[key] = list
}

// StartTransaction begins buffering writes in a shadow overlay. Reads through
// this Store see the overlay; other readers of the storage do not.
func (s *Store) StartTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.shadow != nil {
		return ErrTransactionInProgress
	}
	s.shadow = make(map[string]shadowEntry)
	return nil
}

// SubmitTransaction commits the overlay as one atomic batch. The transaction
// ends either way; on failure the durable state is unchanged.
func (s *Store) SubmitTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shadow == nil {
		return ErrNoTransaction
	}
	shadow := s.shadow
	s.shadow = nil
	if s.closed {
		return ErrClosed
	}

	keys := make([]string, 0, len(shadow))
	for k := range shadow {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b Batch
	for _, k := range keys {
		if e := shadow[k]; e.deleted {
			b.Delete(k)
		} else {
			b.Set(k, e.value)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	if err := s.storage.Apply(context.Background(), &b); err != nil {
		return fmt.Errorf("prefs: submit transaction: %w", err)
	}
	return nil
}

// CancelTransaction discards the overlay.
func (s *Store) CancelTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shadow == nil {
		return ErrNoTransaction
	}
	s.shadow = nil
	return nil
}

// InTransaction reports whether a transaction is open.
func (s *Store) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shadow != nil
}

// Close releases the storage. An open transaction is discarded.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.shadow = nil
	return s.storage.Close()
}

func (s *Store) get(key string) ([]byte, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrClosed
	}
	if e, ok := s.shadow[key]; ok {
		s.mu.Unlock()
		if e.deleted {
			return nil, false, nil
		}
		return e.value, true, nil
	}
	s.mu.Unlock()

	raw, found, err := s.storage.Get(context.Background(), key)
	if err != nil {
		return nil, false, fmt.Errorf("prefs: get %q: %w", key, err)
	}
	return raw, found, nil
}

func (s *Store) set(key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return s.apply([]Mutation{{Key: key, Value: value}})
}

type notification struct {
	key      string
	deleted  bool
	observer Observer
}

func (s *Store) apply(muts []Mutation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.shadow != nil {
		for _, m := range muts {
			s.shadow[m.Key] = shadowEntry{value: append([]byte(nil), m.Value...), deleted: m.Delete}
		}
	} else if err := s.storage.Apply(context.Background(), &Batch{Mutations: muts}); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("prefs: apply: %w", err)
	}

	var pending []notification
	for _, m := range muts {
		for _, o := range s.observers[m.Key] {
			pending = append(pending, notification{key: m.Key, deleted: m.Delete, observer: o})
		}
	}
	s.mu.Unlock()

	for _, n := range pending {
		if n.deleted {
			n.observer.OnPrefDeleted(n.key)
		} else {
			n.observer.OnPrefSet(n.key)
		}
	}
	return nil
}
