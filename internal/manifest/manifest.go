// Package manifest holds the record of which data files have been durably
// copied to a backend, keyed by file basename.
//
// A Manifest is an immutable value. Add and Remove return a new Manifest and
// leave the receiver untouched, so holders replace their copy by assignment
// and never observe a mutation made through somebody else's reference.
package manifest

import (
	"errors"
	"fmt"
	"maps"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/samber/lo"
)

// Version is written into every serialized manifest.
const Version = "1.0"

var (
	ErrInvalidManifest = errors.New("invalid manifest")

	nameRegex = regexp.MustCompile(`^manifest-.*\.json$`)

	// now is swapped in tests
	now = time.Now
)

type Manifest struct {
	timestamp time.Time
	files     map[string]int64
}

type document struct {
	Version   string           `json:"version"`
	Timestamp string           `json:"timestamp"`
	Files     map[string]int64 `json:"files"`
}

// New returns an empty manifest stamped with the current time.
func New() *Manifest {
	return &Manifest{
		timestamp: now().UTC(),
		files:     make(map[string]int64),
	}
}

// FromFiles builds a manifest from a name -> size map. Names are reduced to their basename.
func FromFiles(files map[string]int64) *Manifest {
	m := New()
	for name, size := range files {
		m.files[basename(name)] = size
	}
	return m
}

func (m *Manifest) Timestamp() time.Time {
	return m.timestamp
}

func (m *Manifest) Len() int {
	return len(m.files)
}

// Get returns the recorded size for file.
func (m *Manifest) Get(file string) (int64, bool) {
	size, ok := m.files[basename(file)]
	return size, ok
}

func (m *Manifest) Contains(file string) bool {
	_, ok := m.files[basename(file)]
	return ok
}

// Add returns a copy of m with file recorded at size.
func (m *Manifest) Add(file string, size int64) *Manifest {
	next := m.clone()
	next.files[basename(file)] = size
	return next
}

// Remove returns a copy of m without file.
func (m *Manifest) Remove(file string) *Manifest {
	next := m.clone()
	delete(next.files, basename(file))
	return next
}

// Files returns a copy of the name -> size mapping.
func (m *Manifest) Files() map[string]int64 {
	return maps.Clone(m.files)
}

// Names returns the recorded file names in lexical order.
func (m *Manifest) Names() []string {
	names := lo.Keys(m.files)
	slices.Sort(names)
	return names
}

// Equal compares file sets and sizes, ignoring timestamps.
func (m *Manifest) Equal(other *Manifest) bool {
	return maps.Equal(m.files, other.files)
}

// TotalSize is the sum of all recorded sizes.
func (m *Manifest) TotalSize() int64 {
	return lo.Sum(lo.Values(m.files))
}

func (m *Manifest) clone() *Manifest {
	return &Manifest{
		timestamp: now().UTC(),
		files:     maps.Clone(m.files),
	}
}

// Delta returns the entries of a whose names are absent from b, carrying a's sizes.
// It does not look at size differences on names present in both.
func Delta(a, b *Manifest) *Manifest {
	d := New()
	d.files = lo.PickBy(a.files, func(name string, _ int64) bool {
		return !b.Contains(name)
	})
	return d
}

func (m *Manifest) Serialize() ([]byte, error) {
	return jsonMarshal(&document{
		Version:   Version,
		Timestamp: m.timestamp.Format(time.RFC3339Nano),
		Files:     m.files,
	})
}

func Deserialize(data []byte) (*Manifest, error) {
	var doc document
	if err := jsonUnmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	m := &Manifest{files: make(map[string]int64, len(doc.Files))}
	if doc.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, doc.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp %q: %w", ErrInvalidManifest, doc.Timestamp, err)
		}
		m.timestamp = ts
	}

	for name, size := range doc.Files {
		if size < 0 {
			return nil, fmt.Errorf("%w: negative size %d for %s", ErrInvalidManifest, size, name)
		}
		m.files[basename(name)] = size
	}
	return m, nil
}

// Filename is the name a manifest written at t is persisted under.
// Names sort lexically in time order.
func Filename(t time.Time) string {
	return "manifest-" + t.UTC().Format("20060102T150405.000Z") + ".json"
}

func IsManifestName(name string) bool {
	return nameRegex.MatchString(path.Base(name))
}

// Latest picks the newest manifest name out of names, ignoring anything else.
func Latest(names []string) (string, bool) {
	candidates := lo.Filter(names, func(name string, _ int) bool {
		return IsManifestName(name)
	})
	if len(candidates) == 0 {
		return "", false
	}
	return slices.Max(candidates), true
}

func basename(file string) string {
	return filepath.Base(filepath.FromSlash(file))
}
