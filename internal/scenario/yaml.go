package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// file is the on-disk layout of a scenario catalogue file.
type file struct {
	Scenarios []yaml.Node `yaml:"scenarios"`
}

// Decode reads a catalogue from r. Every scenario starts from defaults, so
// a file only needs to list the rules it overrides. Unknown keys are errors.
func Decode(r io.Reader, defaults Rules) ([]Scenario, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("scenario: decode yaml: %w", err)
	}

	out := make([]Scenario, 0, len(f.Scenarios))
	var errs []error
	for i := range f.Scenarios {
		s := Scenario{Rules: defaults}
		if err := decodeStrict(&f.Scenarios[i], &s); err != nil {
			errs = append(errs, fmt.Errorf("scenario: scenarios[%d]: %w", i, err))
			continue
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, s)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeStrict decodes node into v rejecting unknown fields. yaml.Node.Decode
// has no KnownFields switch, so the node is re-encoded and decoded again.
func decodeStrict(node *yaml.Node, v any) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	return dec.Decode(v)
}

// LoadDir reads every *.yaml and *.yml file in dir (non-recursive) into a
// new MemStore. Duplicate ids across files are an error.
func LoadDir(dir string, defaults Rules) (*MemStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scenario: read dir %q: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	store := &MemStore{scenarios: make(map[string]Scenario)}
	origin := make(map[string]string)
	for _, name := range names {
		path := filepath.Join(dir, name)
		scenarios, err := loadFile(path, defaults)
		if err != nil {
			return nil, err
		}
		for _, s := range scenarios {
			if prev, dup := origin[s.ID]; dup {
				return nil, fmt.Errorf("scenario: id %q defined in both %s and %s", s.ID, prev, name)
			}
			origin[s.ID] = name
			store.scenarios[s.ID] = s
		}
	}
	return store, nil
}

func loadFile(path string, defaults Rules) ([]Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open %q: %w", path, err)
	}
	defer f.Close()

	scenarios, err := Decode(f, defaults)
	if err != nil {
		return nil, fmt.Errorf("scenario: parse %q: %w", path, err)
	}
	return scenarios, nil
}
