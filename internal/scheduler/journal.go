// internal/scheduler/journal.go
package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

// journal is the durable job log. Writes go through a temp file and an
// atomic rename so a crash mid-write never corrupts the previous state.
type journal struct {
	path string
}

func newJournal(path string) *journal {
	return &journal{path: path}
}

type journalDoc struct {
	Jobs []*types.ValidationJob `json:"jobs"`
}

// load reads all retained jobs. A missing file is an empty journal.
func (j *journal) load() ([]*types.ValidationJob, error) {
	if j.path == "" {
		return nil, nil
	}
	payload, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job journal: %w", err)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	var doc journalDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("corrupt job journal %s: %w", j.path, err)
	}
	return doc.Jobs, nil
}

// save writes every retained job, sorted by creation for stable diffs.
func (j *journal) save(jobs map[string]*types.ValidationJob) error {
	if j.path == "" {
		return nil
	}

	doc := journalDoc{Jobs: make([]*types.ValidationJob, 0, len(jobs))}
	for _, job := range jobs {
		doc.Jobs = append(doc.Jobs, job)
	}
	sort.Slice(doc.Jobs, func(a, b int) bool {
		return doc.Jobs[a].CreatedAt.Before(doc.Jobs[b].CreatedAt)
	})

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode job journal: %w", err)
	}

	if dir := filepath.Dir(j.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write job journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("failed to replace job journal: %w", err)
	}
	return nil
}
