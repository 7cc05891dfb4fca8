// Package artifact stores materialized backup archives on disk until they are
// downloaded or expire.
//
// An artifact becomes visible only after its file has been fully written,
// synced and renamed into place. Readers hold a reference for the duration of
// a download; expiry never removes an artifact with live references.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
)

var log = logging.Logger("artifact")

var (
	// ErrNotFound is returned for ids with no stored artifact.
	ErrNotFound = errors.New("artifact not found")
	// ErrExists is returned when an id is materialized twice.
	ErrExists = errors.New("artifact already exists")
)

// Info describes one stored artifact.
type Info struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Path      string    `json:"-"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

type record struct {
	info Info
	refs int
	// removed is set once expiry fired while a reader was open; the last
	// reader deletes the file.
	removed bool
}

// Store keeps artifacts under a single directory.
type Store struct {
	dir   string
	clock clock.Clock

	mu      sync.Mutex
	records map[string]*record
}

// NewStore creates dir if needed. A nil clock means wall time.
func NewStore(dir string, clk clock.Clock) (*Store, error) {
	if dir == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		dir:     dir,
		clock:   clk,
		records: make(map[string]*record),
	}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// Create writes a new artifact through write and publishes it once the data
// is durable. On any failure the partial file is removed and nothing is
// published.
func (s *Store) Create(id, filename string, write func(io.Writer) error) (info Info, err error) {
	s.mu.Lock()
	_, exists := s.records[id]
	s.mu.Unlock()
	if exists {
		return Info{}, fmt.Errorf("%w: %s", ErrExists, id)
	}

	name := sanitize(filename)
	if name == "" {
		name = sanitize(id)
	}
	final := filepath.Join(s.dir, sanitize(id)+"-"+name)

	tmp, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return Info{}, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warnw("removing partial artifact", "path", tmp.Name(), "err", rmErr)
			}
		}
	}()

	counter := &countingWriter{w: tmp}
	writeErr := write(counter)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	err = multierr.Append(writeErr, tmp.Close())
	if err != nil {
		return Info{}, fmt.Errorf("write artifact %s: %w", id, err)
	}
	if err = os.Rename(tmp.Name(), final); err != nil {
		return Info{}, fmt.Errorf("publish artifact %s: %w", id, err)
	}

	info = Info{
		ID:        id,
		Filename:  name,
		Path:      final,
		Size:      counter.n,
		CreatedAt: s.clock.Now(),
	}

	s.mu.Lock()
	s.records[id] = &record{info: info}
	s.mu.Unlock()

	log.Infow("artifact stored", "id", id, "path", final, "size", info.Size)
	return info, nil
}

// Exists reports whether id is taken, including by an artifact that is
// hidden but still waiting for its last reader to close.
func (s *Store) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

// Stat returns the artifact's info without taking a reference.
func (s *Store) Stat(id string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.removed {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.info, nil
}

// Open returns a reader for the artifact and holds a reference until the
// reader is closed.
func (s *Store) Open(id string) (*Reader, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.removed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.refs++
	info := rec.info
	s.mu.Unlock()

	f, err := os.Open(info.Path)
	if err != nil {
		s.release(id)
		return nil, fmt.Errorf("open artifact %s: %w", id, err)
	}
	return &Reader{File: f, Info: info, store: s}, nil
}

func (s *Store) release(id string) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.refs--
	drop := rec.removed && rec.refs <= 0
	if drop {
		delete(s.records, id)
	}
	s.mu.Unlock()

	if drop {
		s.unlink(rec.info)
	}
}

// Expire schedules removal of the artifact at the given time. It reports
// whether the id is known.
func (s *Store) Expire(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false
	}
	rec.info.ExpiresAt = at
	return true
}

// Reap removes every artifact whose expiry has passed and returns their ids.
// Artifacts with open readers are hidden immediately and deleted when the
// last reader closes.
func (s *Store) Reap(now time.Time) []string {
	var doomed []Info

	s.mu.Lock()
	for id, rec := range s.records {
		if rec.removed || rec.info.ExpiresAt.IsZero() || now.Before(rec.info.ExpiresAt) {
			continue
		}
		if rec.refs > 0 {
			rec.removed = true
			continue
		}
		delete(s.records, id)
		doomed = append(doomed, rec.info)
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(doomed))
	for _, info := range doomed {
		s.unlink(info)
		ids = append(ids, info.ID)
	}
	sort.Strings(ids)
	return ids
}

// Remove deletes an artifact immediately unless a reader holds it, in which
// case deletion is deferred to the last Close.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.refs > 0 {
		rec.removed = true
		s.mu.Unlock()
		return nil
	}
	delete(s.records, id)
	s.mu.Unlock()

	s.unlink(rec.info)
	return nil
}

// List returns every visible artifact ordered by id.
func (s *Store) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.records))
	for _, rec := range s.records {
		if !rec.removed {
			out = append(out, rec.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) unlink(info Info) {
	if err := os.Remove(info.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnw("removing artifact", "id", info.ID, "path", info.Path, "err", err)
		return
	}
	log.Infow("artifact removed", "id", info.ID)
}

// Reader streams one artifact and releases the store reference on Close.
type Reader struct {
	*os.File
	Info Info

	store *Store
	once  sync.Once
}

// Close closes the file and releases the reference.
func (r *Reader) Close() error {
	err := r.File.Close()
	r.once.Do(func() { r.store.release(r.Info.ID) })
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// sanitize reduces name to a single safe path element.
func sanitize(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
