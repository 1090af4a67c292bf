package librarysync

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/keithlinneman/edutoolbox/internal/xerrors"
)

// MarkerFile sits at the top of a synced content root.
const MarkerFile = ".edutb-library.json"

// Marker records which bundle a content root holds.
type Marker struct {
	SHA256   string    `json:"sha256"`
	Version  string    `json:"version,omitempty"`
	Files    int       `json:"files"`
	Bytes    int64     `json:"bytes"`
	SyncedAt time.Time `json:"synced_at"`
}

func (m *Marker) LibraryVersion() string {
	if m == nil {
		return ""
	}
	return m.Version
}

func (m *Marker) LibraryHash() string {
	if m == nil {
		return ""
	}
	return m.SHA256
}

// ReadMarker loads root's marker. A root that was never synced returns
// (nil, nil).
func ReadMarker(root string) (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(root, MarkerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(err, "read library marker")
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, xerrors.Wrap(err, "parse library marker")
	}
	return &m, nil
}

func writeMarker(dir string, m Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, MarkerFile), append(data, '\n'), 0o644)
}
