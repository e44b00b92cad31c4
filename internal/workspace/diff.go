package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

type DiffOp string

const (
	OpAdd    DiffOp = "add"
	OpUpdate DiffOp = "update"
)

type FileDiff struct {
	Path   string // as named in the listing
	Target string // resolved path under the mirror root
	Op     DiffOp
}

// Plan compares the listing against what is under Root by SHA256 hash.
// Files in the listing but not on disk = add, different hash = update.
// Files on disk but not in the listing are left alone (additive only).
func (m *Mirror) Plan(files map[string]string) (diffs []FileDiff, unchanged, rejected []string, err error) {
	for _, name := range SortedPaths(files) {
		target, perr := m.Path(name)
		if perr != nil {
			m.log.Warn("workspace: skipping file", "path", name, "err", perr)
			rejected = append(rejected, name)
			continue
		}
		existing, rerr := m.fs.ReadFile(target)
		switch {
		case rerr != nil && m.fs.IsNotExist(rerr):
			diffs = append(diffs, FileDiff{Path: name, Target: target, Op: OpAdd})
		case rerr != nil:
			return nil, nil, nil, fmt.Errorf("read %s: %w", name, rerr)
		case hashOf([]byte(files[name])) != hashOf(existing):
			diffs = append(diffs, FileDiff{Path: name, Target: target, Op: OpUpdate})
		default:
			unchanged = append(unchanged, name)
		}
	}
	return diffs, unchanged, rejected, nil
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
