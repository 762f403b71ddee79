package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// ManifestName is the file inside a checkpoint directory that lists the
// retained checkpoints.
const ManifestName = "manifest.json"

const manifestVersion = 1

// Entry describes one retained checkpoint.
type Entry struct {
	Epoch     int       `json:"epoch"`
	File      string    `json:"file"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type manifest struct {
	Version     int     `json:"version"`
	Checkpoints []Entry `json:"checkpoints"`
}

// readManifest returns the manifest in dir. A missing file yields an empty
// manifest and ok == false.
func readManifest(dir string) (manifest, bool, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return manifest{Version: manifestVersion}, false, nil
	}
	if err != nil {
		return manifest{}, false, errors.Wrap(err, "read manifest")
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, false, &CorruptCheckpointError{Path: path, Reason: "unparsable manifest", Err: err}
	}
	if m.Version != manifestVersion {
		return manifest{}, false, &CorruptCheckpointError{
			Path:   path,
			Reason: "unsupported manifest version",
			Err:    errors.Errorf("version %d", m.Version),
		}
	}
	sort.Slice(m.Checkpoints, func(i, j int) bool { return m.Checkpoints[i].Epoch < m.Checkpoints[j].Epoch })
	return m, true, nil
}

func writeManifest(dir string, m manifest) error {
	m.Version = manifestVersion
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	return writeFileAtomic(filepath.Join(dir, ManifestName), append(data, '\n'))
}

// upsert inserts e, replacing any entry for the same epoch, and keeps the
// list sorted by epoch.
func (m *manifest) upsert(e Entry) {
	for i := range m.Checkpoints {
		if m.Checkpoints[i].Epoch == e.Epoch {
			m.Checkpoints[i] = e
			return
		}
	}
	m.Checkpoints = append(m.Checkpoints, e)
	sort.Slice(m.Checkpoints, func(i, j int) bool { return m.Checkpoints[i].Epoch < m.Checkpoints[j].Epoch })
}

// trim drops the oldest entries beyond retain and returns them.
func (m *manifest) trim(retain int) []Entry {
	if len(m.Checkpoints) <= retain {
		return nil
	}
	cut := len(m.Checkpoints) - retain
	evicted := append([]Entry(nil), m.Checkpoints[:cut]...)
	m.Checkpoints = append([]Entry(nil), m.Checkpoints[cut:]...)
	return evicted
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path, then syncs the directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrapf(err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrapf(err, "sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrapf(err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrapf(err, "rename to %s", path)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open dir for sync")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(err, "sync dir %s", dir)
	}
	return nil
}
