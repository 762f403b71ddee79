package checkpoint

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"roadseg/internal/model"
)

// DefaultRetain is how many checkpoints a Store keeps when none is given.
const DefaultRetain = 10

const (
	filePrefix = "checkpoint"
	fileExt    = ".ckpt"
)

// Store persists epoch checkpoints in a directory and keeps at most retain of
// them. Discovery goes through the manifest, never a directory listing.
type Store struct {
	dir    string
	retain int
	runID  string
	now    func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithRunID tags every checkpoint written by the store with id.
func WithRunID(id string) Option {
	return func(s *Store) { s.runID = id }
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open returns a Store rooted at dir. The directory is created lazily by the
// first Save. retain <= 0 selects DefaultRetain.
func Open(dir string, retain int, opts ...Option) *Store {
	if retain <= 0 {
		retain = DefaultRetain
	}
	s := &Store{
		dir:    dir,
		retain: retain,
		runID:  uuid.NewString(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.dir }

// RunID returns the identifier recorded in checkpoints written by s.
func (s *Store) RunID() string { return s.runID }

// FileName returns the file name used for epoch.
func FileName(epoch int) string {
	return filePrefix + "-" + strconv.Itoa(epoch) + fileExt
}

// ParseEpoch extracts the epoch from a checkpoint tag such as
// "checkpoint-12.ckpt": the integer after the last '-' of the name before its
// first '.'.
func ParseEpoch(tag string) (int, error) {
	name := filepath.Base(tag)
	stem, _, _ := strings.Cut(name, ".")
	i := strings.LastIndex(stem, "-")
	if i < 0 {
		return 0, &CorruptCheckpointError{Path: tag, Reason: "tag has no epoch suffix"}
	}
	suffix := stem[i+1:]
	if suffix == "" || strings.TrimLeft(suffix, "0123456789") != "" {
		return 0, &CorruptCheckpointError{Path: tag, Reason: "non-numeric epoch suffix " + strconv.Quote(suffix)}
	}
	epoch, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, &CorruptCheckpointError{Path: tag, Reason: "epoch suffix out of range", Err: err}
	}
	return epoch, nil
}

// Save writes params as the checkpoint for epoch, records it in the manifest
// and evicts the oldest checkpoints beyond the retention limit.
func (s *Store) Save(epoch int, params model.Parameters) error {
	if epoch < 0 {
		return errors.Errorf("checkpoint: negative epoch %d", epoch)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	m, _, err := readManifest(s.dir)
	if err != nil {
		return err
	}

	created := s.now().UTC()
	data, err := Marshal(Checkpoint{Epoch: epoch, RunID: s.runID, CreatedAt: created, Parameters: params})
	if err != nil {
		return err
	}
	name := FileName(epoch)
	if err := writeFileAtomic(filepath.Join(s.dir, name), data); err != nil {
		return errors.Wrapf(err, "write checkpoint epoch %d", epoch)
	}

	m.upsert(Entry{Epoch: epoch, File: name, RunID: s.runID, CreatedAt: created})
	evicted := m.trim(s.retain)
	if err := writeManifest(s.dir, m); err != nil {
		return err
	}
	klog.V(1).Infof("checkpoint: saved epoch=%d file=%s", epoch, name)

	for _, e := range evicted {
		if e.File == name {
			continue
		}
		err := os.Remove(filepath.Join(s.dir, filepath.Base(e.File)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "evict checkpoint epoch %d", e.Epoch)
		}
		klog.V(1).Infof("checkpoint: evicted epoch=%d", e.Epoch)
	}
	return nil
}

// List returns the retained checkpoints in ascending epoch order. A missing
// directory or manifest yields an empty list.
func (s *Store) List() ([]Entry, error) {
	m, _, err := readManifest(s.dir)
	if err != nil {
		return nil, err
	}
	return m.Checkpoints, nil
}

// FindLatest loads the checkpoint with the highest epoch. ok is false when
// the directory does not exist or holds no checkpoints.
func (s *Store) FindLatest() (c Checkpoint, ok bool, err error) {
	if _, err := os.Stat(s.dir); errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, false, nil
	}
	m, found, err := readManifest(s.dir)
	if err != nil || !found || len(m.Checkpoints) == 0 {
		return Checkpoint{}, false, err
	}
	latest := m.Checkpoints[0]
	for _, e := range m.Checkpoints[1:] {
		if e.Epoch > latest.Epoch {
			latest = e
		}
	}
	c, err = s.Load(latest)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return c, true, nil
}

// Load reads the checkpoint described by e and verifies that its tag, its
// manifest entry and its body agree on the epoch.
func (s *Store) Load(e Entry) (Checkpoint, error) {
	path := filepath.Join(s.dir, filepath.Base(e.File))
	epoch, err := ParseEpoch(e.File)
	if err != nil {
		return Checkpoint{}, err
	}
	if epoch != e.Epoch {
		return Checkpoint{}, &CorruptCheckpointError{
			Path:   path,
			Reason: "tag epoch " + strconv.Itoa(epoch) + " does not match manifest epoch " + strconv.Itoa(e.Epoch),
		}
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, &CorruptCheckpointError{Path: path, Reason: "listed in manifest but missing", Err: err}
	}
	if err != nil {
		return Checkpoint{}, errors.Wrap(err, "read checkpoint")
	}
	c, err := Unmarshal(data)
	if err != nil {
		return Checkpoint{}, &CorruptCheckpointError{Path: path, Reason: "undecodable body", Err: err}
	}
	if c.Epoch != epoch {
		return Checkpoint{}, &CorruptCheckpointError{
			Path:   path,
			Reason: "body epoch " + strconv.Itoa(c.Epoch) + " does not match tag epoch " + strconv.Itoa(epoch),
		}
	}
	return c, nil
}
