package sqlite

import (
	"os"
	"path/filepath"
)

// Store pairs the single-connection Writer with a pooled Reader over the
// same database file. It satisfies every storage port in the model package.
type Store struct {
	*Writer
	*Reader
}

// Open creates the parent directory if needed, then opens the writer (which
// creates the schema) followed by the reader.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		return nil, err
	}
	r, err := NewReader(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &Store{Writer: w, Reader: r}, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	rerr := s.Reader.Close()
	if werr := s.Writer.Close(); werr != nil {
		return werr
	}
	return rerr
}
