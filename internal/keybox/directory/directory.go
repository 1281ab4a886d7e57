// Package directory holds the static key-to-room assignment table.
package directory

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

var ErrInvalidDirectory = errors.New("invalid key directory")

// Directory is read-only after construction and safe for concurrent use.
type Directory struct {
	byKey map[string]types.KeyAssignment
}

type file struct {
	Keys []types.KeyAssignment `yaml:"keys"`
}

// Load reads a YAML key table. Any problem with the file is fatal for startup.
func Load(path string) (*Directory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key directory %s: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Directory, error) {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDirectory, err)
	}
	return New(f.Keys)
}

func New(assignments []types.KeyAssignment) (*Directory, error) {
	if len(assignments) == 0 {
		return nil, fmt.Errorf("%w: no keys defined", ErrInvalidDirectory)
	}
	d := &Directory{byKey: make(map[string]types.KeyAssignment, len(assignments))}
	for i, a := range assignments {
		a.KeyID = strings.TrimSpace(a.KeyID)
		a.RoomID = strings.TrimSpace(a.RoomID)
		a.DisplayName = strings.TrimSpace(a.DisplayName)
		if a.KeyID == "" || a.RoomID == "" {
			return nil, fmt.Errorf("%w: entry %d needs key_id and room_id", ErrInvalidDirectory, i)
		}
		if a.DisplayName == "" {
			a.DisplayName = a.KeyID
		}
		k := normalize(a.KeyID)
		if _, dup := d.byKey[k]; dup {
			return nil, fmt.Errorf("%w: duplicate key_id %q", ErrInvalidDirectory, a.KeyID)
		}
		d.byKey[k] = a
	}
	return d, nil
}

// Lookup is case-insensitive: RFID readers differ in hex casing.
func (d *Directory) Lookup(keyID string) (types.KeyAssignment, bool) {
	a, ok := d.byKey[normalize(keyID)]
	return a, ok
}

func (d *Directory) Len() int { return len(d.byKey) }

// All returns every assignment in no particular order.
func (d *Directory) All() []types.KeyAssignment {
	out := make([]types.KeyAssignment, 0, len(d.byKey))
	for _, a := range d.byKey {
		out = append(out, a)
	}
	return out
}

func normalize(keyID string) string {
	return strings.ToUpper(strings.TrimSpace(keyID))
}
