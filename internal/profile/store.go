package profile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/GoTX/internal/logging"
)

var ErrNotFound = errors.New("profile: not found")

// Entry is one row of Store.List.
type Entry struct {
	Filename    string    `json:"filename"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	DeviceType  string    `json:"device_type"`
}

// Store keeps records as files in one directory. The file extension picks
// the codec; names without a known extension are stored as JSON.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger logging.Logger
}

// NewStore returns a store rooted at dir. The directory is created on the
// first Save.
func NewStore(dir string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{dir: dir, logger: logger.With(logging.Component("profile"))}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) resolve(name string) (string, Codec, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", nil, fmt.Errorf("profile: invalid file name %q", name)
	}
	if _, ok := codecs[strings.ToLower(filepath.Ext(name))]; !ok {
		name += jsonCodec{}.Ext()
	}
	c, err := CodecFor(name)
	if err != nil {
		return "", nil, err
	}
	return filepath.Join(s.dir, name), c, nil
}

// Save validates r and writes it under name, replacing any previous file.
// It returns the file name actually used.
func (s *Store) Save(name string, r *Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	path, codec, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Metadata.CreatedAt.IsZero() {
		r.Metadata.CreatedAt = r.Timestamp
	}
	data, err := codec.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("profile: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	s.logger.Info("profile saved", logging.Field{Key: "file", Value: filepath.Base(path)})
	return filepath.Base(path), nil
}

// Load reads and validates the record stored under name.
func (s *Store) Load(name string) (*Record, error) {
	path, codec, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, err := os.ReadFile(path)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
	}
	if err != nil {
		return nil, err
	}
	r := &Record{}
	if err := codec.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrInvalidRecord, filepath.Base(path), err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns every readable record, newest first. Files that fail to
// decode are skipped and logged.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	dirents, err := os.ReadDir(s.dir)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if _, ok := codecs[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}
		r, err := s.Load(name)
		if err != nil {
			s.logger.Warn("skipping unreadable profile", logging.Field{Key: "file", Value: name}, logging.Err(err))
			continue
		}
		out = append(out, Entry{
			Filename:    name,
			Name:        r.Metadata.Name,
			Description: r.Metadata.Description,
			CreatedAt:   r.Metadata.CreatedAt,
			DeviceType:  r.DeviceType,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes the record stored under name.
func (s *Store) Delete(name string) error {
	path, _, err := s.resolve(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
	}
	return err
}

// Export writes the record stored under name to w in format ("json", "yaml"
// or "cbor").
func (s *Store) Export(name, format string, w io.Writer) error {
	r, err := s.Load(name)
	if err != nil {
		return err
	}
	c, err := CodecFor(format)
	if err != nil {
		return err
	}
	data, err := c.Marshal(r)
	if err != nil {
		return fmt.Errorf("profile: encode: %w", err)
	}
	_, err = w.Write(data)
	return err
}
