package moderation

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// BatchFile is a reviewed moderation worklist, typically exported from the
// review dashboard and applied from the command line.
type BatchFile struct {
	Actor   string       `yaml:"actor"`
	Batches []BatchEntry `yaml:"batches"`
}

// BatchEntry is one action applied to a set of contributions.
type BatchEntry struct {
	Action          BulkAction `yaml:"action"`
	ContributionIDs []string   `yaml:"contribution_ids"`
	Reason          string     `yaml:"reason,omitempty"`
	ForceNew        bool       `yaml:"force_new,omitempty"`

	// Actor overrides the file-level actor for this entry.
	Actor string `yaml:"actor,omitempty"`
}

// LoadBatchFile reads a moderation batch file. The file-level actor is
// applied to entries that do not set their own.
func LoadBatchFile(path string) (*BatchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "moderation: read batch file %s", path)
	}

	var bf BatchFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, eris.Wrap(err, "moderation: parse batch file")
	}
	if len(bf.Batches) == 0 {
		return nil, eris.Wrap(ErrValidation, "batch file has no batches")
	}

	for i := range bf.Batches {
		if bf.Batches[i].Actor == "" {
			bf.Batches[i].Actor = bf.Actor
		}
	}
	return &bf, nil
}

// Params converts an entry to the bulk apply parameters.
func (e BatchEntry) Params() BulkApplyParams {
	return BulkApplyParams{
		Action:          e.Action,
		ContributionIDs: e.ContributionIDs,
		Actor:           e.Actor,
		Reason:          e.Reason,
		ForceNew:        e.ForceNew,
	}
}
