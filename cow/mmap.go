package cow

import (
	"os"

	"github.com/dgraph-io/ristretto/v2/z"
)

// mmapFile maps f read-only. An empty file maps to nil.
func mmapFile(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}
	return z.Mmap(f, false, info.Size())
}

func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return z.Munmap(data)
}

// mapPath maps the file at path and closes the descriptor; the mapping stays
// valid until munmap.
func mapPath(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mmapFile(f)
}
