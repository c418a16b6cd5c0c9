package prefs

import "context"

// Storage is the durable backend of a Store.
type Storage interface {
	// Get returns the raw value of key. A missing key is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// List returns every stored key with the given string prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Apply makes every mutation in b durable, all or nothing.
	Apply(ctx context.Context, b *Batch) error
	Close() error
}

// Mutation is one write in a Batch. A nil Value with Delete set removes the
// key.
type Mutation struct {
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

// Batch is an ordered set of mutations. Later mutations of the same key win.
type Batch struct {
	Mutations []Mutation `json:"mutations"`
}

func (b *Batch) Set(key string, value []byte) {
	b.Mutations = append(b.Mutations, Mutation{Key: key, Value: append([]byte(nil), value...)})
}

func (b *Batch) Delete(key string) {
	b.Mutations = append(b.Mutations, Mutation{Key: key, Delete: true})
}

func (b *Batch) Len() int {
	return len(b.Mutations)
}
