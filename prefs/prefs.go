// Package prefs is the durable, typed key/value store the update engine
// checkpoints through.
//
// Keys are hierarchical: segments drawn from [A-Za-z0-9_-] joined by '/'.
// Values are stored as text: strings verbatim, int64 in base 10 and booleans
// as "true" or "false". Every successful Set or Delete is durable before it
// returns. A transaction batches writes into a shadow overlay that is
// committed in one atomic Storage.Apply.
package prefs

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins namespace segments into a key.
const Separator = "/"

var (
	ErrInvalidKey            = errors.New("prefs: invalid key")
	ErrTransactionInProgress = errors.New("prefs: transaction already in progress")
	ErrNoTransaction         = errors.New("prefs: no transaction in progress")
	ErrClosed                = errors.New("prefs: store closed")
)

// Observer is notified after a successful Set or Delete of the exact key it
// was registered for.
//
// Observers are compared with == on removal, so implementations should be
// pointer types.
type Observer interface {
	OnPrefSet(key string)
	OnPrefDeleted(key string)
}

// Prefs is the contract the rest of the engine consumes. *Store implements it.
type Prefs interface {
	GetString(key string) (string, bool, error)
	SetString(key, value string) error
	GetInt64(key string) (int64, bool, error)
	SetInt64(key string, value int64) error
	GetBoolean(key string) (bool, bool, error)
	SetBoolean(key string, value bool) error

	Exists(key string) bool
	Delete(key string) error
	DeleteFromNamespaces(key string, namespaces []string) error
	GetSubKeys(namespace string) ([]string, error)

	AddObserver(key string, o Observer)
	RemoveObserver(key string, o Observer)

	StartTransaction() error
	SubmitTransaction() error
	CancelTransaction() error
}

// CreateSubKey joins segments into a namespaced key. Segments may not be
// empty or contain the separator, so distinct segment lists always produce
// distinct keys.
func CreateSubKey(segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: no segments", ErrInvalidKey)
	}
	for _, seg := range segments {
		if err := validateSegment(seg); err != nil {
			return "", err
		}
	}
	return strings.Join(segments, Separator), nil
}

// ValidateKey reports whether key is a well-formed preference key.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, Separator) {
		if err := validateSegment(seg); err != nil {
			return fmt.Errorf("%w in %q", err, key)
		}
	}
	return nil
}

func validateSegment(seg string) error {
	if seg == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidKey)
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: segment %q has byte %q", ErrInvalidKey, seg, c)
		}
	}
	return nil
}

func namespacePrefix(ns string) string {
	ns = strings.Trim(ns, Separator)
	if ns == "" {
		return ""
	}
	return ns + Separator
}
