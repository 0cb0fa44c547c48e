package mongo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"mongomigrate/pkg/model"
)

// ChangeLog is a parsed changelog file: an ordered list of changesets.
type ChangeLog struct {
	FileName   string
	ChangeSets []*ChangeSet
}

type changeLogFile struct {
	Entries []struct {
		ChangeSet *ChangeSet `yaml:"changeSet"`
	} `yaml:"databaseChangeLog"`
}

// ChangeSet is the unit of execution, locking order and bookkeeping.
type ChangeSet struct {
	ID          string   `yaml:"id" validate:"required,max=255"`
	Author      string   `yaml:"author" validate:"required,max=255"`
	Comment     string   `yaml:"comment,omitempty"`
	Context     string   `yaml:"context,omitempty"`
	Labels      string   `yaml:"labels,omitempty"`
	RunOnChange bool     `yaml:"runOnChange,omitempty"`
	RunAlways   bool     `yaml:"runAlways,omitempty"`
	Changes     []Change `yaml:"changes" validate:"required,min=1,dive"`

	fileName   string
	statements []Statement
	checksum   string
}

func (cs *ChangeSet) Key() string {
	return model.ChangeSetKey(cs.fileName, cs.ID, cs.Author)
}

func (cs *ChangeSet) FileName() string {
	return cs.fileName
}

func (cs *ChangeSet) Statements() []Statement {
	return cs.statements
}

// CheckSum identifies the normalized content of the changeset's changes.
func (cs *ChangeSet) CheckSum() string {
	return cs.checksum
}

// Description joins the change descriptions, e.g. "createCollection; createIndex".
func (cs *ChangeSet) Description() string {
	names := make([]string, len(cs.statements))
	for i, st := range cs.statements {
		names[i] = st.Name()
	}
	return strings.Join(names, "; ")
}

// Contexts returns the changeset's context names, lower-cased.
func (cs *ChangeSet) Contexts() []string {
	return splitList(cs.Context)
}

// MatchesContexts reports whether the changeset runs for the given run
// contexts. A changeset without contexts always runs, as does every
// changeset when the run names no contexts.
func (cs *ChangeSet) MatchesContexts(run []string) bool {
	own := cs.Contexts()
	if len(own) == 0 || len(run) == 0 {
		return true
	}
	for _, c := range own {
		for _, r := range run {
			if strings.EqualFold(c, r) {
				return true
			}
		}
	}
	return false
}

// LoadChangeLog reads and parses a changelog file. The file name recorded in
// the changelog collection is the path as given, with forward slashes.
func LoadChangeLog(path string) (*ChangeLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read changelog: %w", err)
	}
	return ParseChangeLog(filepath.ToSlash(path), data)
}

func ParseChangeLog(fileName string, data []byte) (*ChangeLog, error) {
	var file changeLogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse changelog %s: %w", fileName, err)
	}

	cl := &ChangeLog{FileName: fileName}
	seen := map[string]bool{}
	for i, entry := range file.Entries {
		cs := entry.ChangeSet
		if cs == nil {
			return nil, fmt.Errorf("changelog %s: entry %d is not a changeSet", fileName, i+1)
		}
		cs.fileName = fileName
		if err := cs.prepare(); err != nil {
			return nil, fmt.Errorf("changelog %s: changeSet %q by %q: %w", fileName, cs.ID, cs.Author, err)
		}
		if seen[cs.Key()] {
			return nil, fmt.Errorf("changelog %s: duplicate changeSet %q by %q", fileName, cs.ID, cs.Author)
		}
		seen[cs.Key()] = true
		cl.ChangeSets = append(cl.ChangeSets, cs)
	}
	return cl, nil
}

// prepare validates the changeset, resolves its statements and computes the checksum.
func (cs *ChangeSet) prepare() error {
	if err := model.Validate(cs); err != nil {
		return err
	}

	h := sha256.New()
	cs.statements = make([]Statement, 0, len(cs.Changes))
	for i, change := range cs.Changes {
		st, err := change.Statement()
		if err != nil {
			return fmt.Errorf("change %d: %w", i+1, err)
		}
		fp, err := st.Fingerprint()
		if err != nil {
			return fmt.Errorf("change %d (%s): %w", i+1, st.Name(), err)
		}
		h.Write([]byte(fp))
		h.Write([]byte{'\n'})
		cs.statements = append(cs.statements, st)
	}
	cs.checksum = CheckSumPrefix + hex.EncodeToString(h.Sum(nil))
	return nil
}

// CheckSumPrefix versions the checksum algorithm stored in md5sum.
const CheckSumPrefix = "sha256:"

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
