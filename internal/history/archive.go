package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"

	"clockwork/pkg/atomicfile"
)

// ArchiveFile is the per-job side file listing archived stems.
const ArchiveFile = ".archived.json"

type stemSet map[string]bool

// readArchived returns the archived stems of a job dir. Missing or corrupt
// files read as empty.
func readArchived(dir string) stemSet {
	b, err := os.ReadFile(filepath.Join(dir, ArchiveFile))
	if err != nil {
		return stemSet{}
	}
	var stems []string
	if err := json.Unmarshal(b, &stems); err != nil {
		return stemSet{}
	}
	set := make(stemSet, len(stems))
	for _, s := range stems {
		set[s] = true
	}
	return set
}

// writeArchived persists set as a sorted JSON array. An empty set removes the file.
func writeArchived(dir string, set stemSet) error {
	path := filepath.Join(dir, ArchiveFile)
	if len(set) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrap(err, "remove archive index")
		}
		return nil
	}
	stems := make([]string, 0, len(set))
	for s := range set {
		stems = append(stems, s)
	}
	sort.Strings(stems)
	b, err := json.Marshal(stems)
	if err != nil {
		return errors.Wrap(err, "encode archive index")
	}
	return atomicfile.Write(path, b, 0o644)
}

// overlay sets Archived on every record whose stem is in set.
func overlay(recs []RunRecord, set stemSet) {
	for i := range recs {
		recs[i].Archived = set[recs[i].Stem]
	}
}
