package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// Model roles with their own checkpoint files.
const (
	RoleGenerator     = "G"
	RoleDiscriminator = "D"
	RoleGeneratorEMA  = "G_ema"
	RoleLinear        = "Linear"
)

// Slot selects which of a role's two checkpoints to address.
type Slot string

const (
	SlotCurrent Slot = "current"
	SlotBest    Slot = "best"
)

// ParseSlot validates a slot name.
func ParseSlot(name string) (Slot, error) {
	switch Slot(name) {
	case SlotCurrent, SlotBest:
		return Slot(name), nil
	default:
		return "", errors.Errorf("unknown checkpoint slot %q", name)
	}
}

var (
	// ErrNotFound is returned when no file matches a role and slot.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrAmbiguous is returned when several files match a role and slot.
	ErrAmbiguous = errors.New("ambiguous checkpoint")
)

var fileNameRe = regexp.MustCompile(`^model=(.+)-(current|best)-weights-step=(\d+)\.(json|pb)$`)

// FileName returns the name a checkpoint is stored under.
func FileName(role string, slot Slot, step int, format CheckpointFormat) string {
	return fmt.Sprintf("model=%s-%s-weights-step=%d.%s", role, slot, step, format.Extension())
}

// ParseFileName extracts role, slot and step from a checkpoint file name.
func ParseFileName(name string) (role string, slot Slot, step int, ok bool) {
	m := fileNameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return "", "", 0, false
	}
	step, err := strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, false
	}
	return m[1], Slot(m[2]), step, true
}

// Store keeps at most one checkpoint per (role, slot) in a directory.
type Store struct {
	Dir   string
	saver *CheckpointSaver
}

// NewStore returns a store writing records in format under dir.
func NewStore(dir string, format CheckpointFormat) *Store {
	return &Store{Dir: dir, saver: NewCheckpointSaver(format)}
}

// Save writes cp under (cp.Role, slot) and removes any older record in the
// same slot. It returns the new file's path.
func (s *Store) Save(cp *Checkpoint, slot Slot) (string, error) {
	if cp.Role == "" {
		return "", errors.New("checkpoint has no role")
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create checkpoint directory %s", s.Dir)
	}
	path := filepath.Join(s.Dir, FileName(cp.Role, slot, cp.TrainingState.Step, s.saver.Format()))
	if err := s.saver.SaveCheckpoint(cp, path); err != nil {
		return "", err
	}

	stale, err := s.matches(cp.Role, slot)
	if err != nil {
		return "", err
	}
	for _, old := range stale {
		if old == path {
			continue
		}
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return "", errors.Wrapf(err, "failed to remove stale checkpoint %s", old)
		}
	}
	return path, nil
}

func (s *Store) matches(role string, slot Slot) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list %s", s.Dir)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		r, sl, _, ok := ParseFileName(e.Name())
		if ok && r == role && sl == slot {
			out = append(out, filepath.Join(s.Dir, e.Name()))
		}
	}
	return out, nil
}

// Find returns the unique file for (role, slot).
func (s *Store) Find(role string, slot Slot) (string, error) {
	found, err := s.matches(role, slot)
	if err != nil {
		return "", err
	}
	switch len(found) {
	case 0:
		return "", errors.Wrapf(ErrNotFound, "%s/%s in %s", role, slot, s.Dir)
	case 1:
		return found[0], nil
	default:
		return "", errors.Wrapf(ErrAmbiguous, "%s/%s in %s: %d files", role, slot, s.Dir, len(found))
	}
}

// Load reads the unique record for (role, slot). Either format is accepted.
func (s *Store) Load(role string, slot Slot) (*Checkpoint, string, error) {
	path, err := s.Find(role, slot)
	if err != nil {
		return nil, "", err
	}
	cp, err := NewCheckpointSaver(formatForPath(path)).LoadCheckpoint(path)
	if err != nil {
		return nil, "", err
	}
	if cp.Role != "" && cp.Role != role {
		return nil, "", errors.Errorf("checkpoint %s holds role %s, expected %s", path, cp.Role, role)
	}
	return cp, path, nil
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

// IsAmbiguous reports whether err is, or wraps, ErrAmbiguous.
func IsAmbiguous(err error) bool {
	return errors.Cause(err) == ErrAmbiguous
}
