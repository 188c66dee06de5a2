package distill

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"repowarden/internal/policy"
)

// Mapping is one entry of the pattern-to-predicate table: a recognized
// (feature set, outcome) pair and the rule template it compiles to.
type Mapping struct {
	Features   []string           `yaml:"features"`
	Outcome    string             `yaml:"outcome"`
	Name       string             `yaml:"name"`
	Category   policy.Category    `yaml:"category"`
	Conditions []policy.Condition `yaml:"conditions"`
	Conclusion policy.Conclusion  `yaml:"conclusion"`
	Severity   policy.Severity    `yaml:"severity"`
}

// Table is the closed, versioned pattern-to-predicate mapping. Patterns
// whose (features, outcome) pair has no entry are rejected, never guessed.
type Table struct {
	Version  int
	mappings map[string]Mapping
}

// tableFile is the on-disk YAML shape.
type tableFile struct {
	Version  int       `yaml:"version"`
	Mappings []Mapping `yaml:"mappings"`
}

// mappingKey canonicalizes a (features, outcome) pair. Feature order in the
// pattern is irrelevant.
func mappingKey(features []string, outcome string) string {
	sorted := make([]string, len(features))
	copy(sorted, features)
	sort.Strings(sorted)
	return strings.Join(sorted, ",") + "|" + outcome
}

// Lookup finds the mapping for a pattern's feature set and outcome.
func (t *Table) Lookup(p policy.Pattern) (Mapping, bool) {
	m, ok := t.mappings[mappingKey(p.Features, p.Outcome)]
	return m, ok
}

// Len returns the number of mappings.
func (t *Table) Len() int { return len(t.mappings) }

func buildTable(tf tableFile) (*Table, error) {
	t := &Table{
		Version:  tf.Version,
		mappings: make(map[string]Mapping, len(tf.Mappings)),
	}
	for i, m := range tf.Mappings {
		if len(m.Features) == 0 || m.Outcome == "" {
			return nil, fmt.Errorf("mapping %d: features and outcome required", i)
		}
		if !m.Category.Valid() {
			return nil, fmt.Errorf("mapping %d (%s): invalid category %q", i, m.Name, m.Category)
		}
		if len(m.Conditions) == 0 {
			return nil, fmt.Errorf("mapping %d (%s): at least one condition required", i, m.Name)
		}
		if m.Conclusion.Fact == "" {
			return nil, fmt.Errorf("mapping %d (%s): conclusion fact required", i, m.Name)
		}
		key := mappingKey(m.Features, m.Outcome)
		if _, dup := t.mappings[key]; dup {
			return nil, fmt.Errorf("mapping %d (%s): duplicate feature/outcome pair", i, m.Name)
		}
		t.mappings[key] = m
	}
	return t, nil
}

// LoadTable reads a mapping table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping table: %w", err)
	}
	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse mapping table %s: %w", path, err)
	}
	return buildTable(tf)
}

// DefaultTable returns the mapping table shipped with the binary.
func DefaultTable() *Table {
	t, err := buildTable(tableFile{
		Version: 1,
		Mappings: []Mapping{
			{
				Features: []string{"has-dependency-manager", "no-dependency-bot"},
				Outcome:  "outdated-deps",
				Name:     "needs-dependency-bot",
				Category: policy.CategoryPreventive,
				Conditions: []policy.Condition{
					{Op: policy.OpPresent, Fact: "has-dependency-manager"},
					{Op: policy.OpAbsent, Fact: "has-dependency-bot"},
				},
				Conclusion: policy.Conclusion{Fact: "has-dependency-bot", Required: true},
				Severity:   policy.SeverityWarning,
			},
			{
				Features: []string{"is-public", "no-license"},
				Outcome:  "license-compliance-gap",
				Name:     "public-repo-license",
				Category: policy.CategoryDeclarative,
				Conditions: []policy.Condition{
					{Op: policy.OpPresent, Fact: "is-public"},
					{Op: policy.OpAbsent, Fact: "has-license"},
				},
				Conclusion: policy.Conclusion{Fact: "has-license", Required: true},
				Severity:   policy.SeverityCritical,
			},
			{
				Features: []string{"has-ci", "stale-failing-workflow"},
				Outcome:  "ci-rot",
				Name:     "prune-stale-workflows",
				Category: policy.CategoryCurative,
				Conditions: []policy.Condition{
					{Op: policy.OpPresent, Fact: "has-ci"},
					{Op: policy.OpPresent, Fact: "stale-failing-workflow"},
				},
				Conclusion: policy.Conclusion{Fact: "stale-failing-workflow", Required: false},
				Severity:   policy.SeverityWarning,
			},
			{
				Features: []string{"multiple-committers", "no-branch-protection"},
				Outcome:  "force-push-loss",
				Name:     "needs-branch-protection",
				Category: policy.CategoryPreventive,
				Conditions: []policy.Condition{
					{Op: policy.OpPresent, Fact: "multiple-committers"},
					{Op: policy.OpAbsent, Fact: "has-branch-protection"},
				},
				Conclusion: policy.Conclusion{Fact: "has-branch-protection", Required: true},
				Severity:   policy.SeverityCritical,
			},
		},
	})
	if err != nil {
		// Built-in table is validated by tests; a bad entry is a programming error.
		panic(fmt.Sprintf("default mapping table invalid: %v", err))
	}
	return t
}
