package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/kvpipe/internal/engine"
	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/pipeline"
	"github.com/roach88/kvpipe/internal/record"
)

// Scenario describes a database schema, a sequence of pipelines to run
// against it, and the outcomes each pipeline should produce.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is an optional CUE schema file, relative to the scenario file.
	// Its stores are defined before Stores.
	Schema string `yaml:"schema,omitempty"`

	// Stores are defined in the version-change transaction that creates
	// the scenario database.
	Stores []StoreSpec `yaml:"stores,omitempty"`

	// Pipelines run in order, each in its own transaction.
	Pipelines []PipelineSpec `yaml:"pipelines"`

	// Assertions check the final database state.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// RunID is the run ID given to every pipeline. Defaults to
	// "test-run-default" so golden traces are stable.
	RunID string `yaml:"run_id,omitempty"`

	// Backend selects the storage backend. Defaults to sqlite.
	Backend string `yaml:"backend,omitempty"`
}

// StoreSpec defines one object store.
type StoreSpec struct {
	Name          string      `yaml:"name"`
	KeyPath       string      `yaml:"key_path,omitempty"`
	AutoIncrement bool        `yaml:"auto_increment,omitempty"`
	Indexes       []IndexSpec `yaml:"indexes,omitempty"`
}

// IndexSpec defines one index on a store.
type IndexSpec struct {
	Name    string `yaml:"name"`
	KeyPath string `yaml:"key_path"`
}

// PipelineSpec is one pipeline run.
type PipelineSpec struct {
	Scope []string `yaml:"scope"`

	// Mode is "readonly" or "readwrite".
	Mode string `yaml:"mode"`

	Steps []StepSpec `yaml:"steps"`

	// InjectKey is passed to Run as the primary key field for searches.
	InjectKey string `yaml:"inject_key,omitempty"`

	// Expect is checked against the run's outcome. If nil, the run must
	// commit and its result is not compared.
	Expect *Expect `yaml:"expect,omitempty"`
}

// StepSpec is one queued request.
//
// DataFrom and KeyFrom turn the step into a Derived one: "previous" takes
// the previous step's result as is, "previous.a.b" takes the value at that
// key path inside it.
type StepSpec struct {
	Op       string `yaml:"op"`
	Store    string `yaml:"store"`
	Index    string `yaml:"index,omitempty"`
	Key      any    `yaml:"key,omitempty"`
	Data     any    `yaml:"data,omitempty"`
	KeyFrom  string `yaml:"key_from,omitempty"`
	DataFrom string `yaml:"data_from,omitempty"`
}

// Expect is the expected outcome of a pipeline run.
type Expect struct {
	// Result is compared with the run's result when HasResult is set,
	// which happens whenever the YAML names a result, even null.
	Result    any
	HasResult bool

	// Error is the expected error class of an aborted run, such as
	// "ConstraintError" or "TransactionError".
	Error string
}

// UnmarshalYAML records whether result was given so that an expected null
// differs from no expectation.
func (e *Expect) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expect must be a mapping", n.Line)
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		switch k.Value {
		case "result":
			if err := v.Decode(&e.Result); err != nil {
				return err
			}
			e.HasResult = true
		case "error":
			if err := v.Decode(&e.Error); err != nil {
				return err
			}
		default:
			return fmt.Errorf("line %d: field %s not found in type harness.Expect", k.Line, k.Value)
		}
	}
	return nil
}

// Assertion checks final database state.
type Assertion struct {
	// Type is "record" or "count".
	Type string `yaml:"type"`

	Store string `yaml:"store"`

	// Key addresses the record for "record" assertions.
	Key any `yaml:"key,omitempty"`

	// Expect is the whole expected record for "record" assertions. A null
	// or missing value asserts that the record does not exist.
	Expect any `yaml:"expect,omitempty"`

	// Count is the expected record count for "count" assertions.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord = "record"
	AssertCount  = "count"
)

const fromPrevious = "previous"

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected. A relative Schema path is resolved against
// the scenario file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if sc.Schema != "" && !filepath.IsAbs(sc.Schema) {
		sc.Schema = filepath.Join(filepath.Dir(path), sc.Schema)
	}
	return sc, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Pipelines) == 0 {
		return fmt.Errorf("pipelines list is required and must be non-empty")
	}
	if s.Backend != "" {
		if _, err := kv.ParseBackend(s.Backend); err != nil {
			return err
		}
	}

	for i, st := range s.Stores {
		if st.Name == "" {
			return fmt.Errorf("stores[%d]: name is required", i)
		}
		if !record.ValidKeyPath(st.KeyPath) {
			return fmt.Errorf("stores[%d]: invalid key_path %q", i, st.KeyPath)
		}
		for j, idx := range st.Indexes {
			if idx.Name == "" || idx.KeyPath == "" {
				return fmt.Errorf("stores[%d].indexes[%d]: name and key_path are required", i, j)
			}
		}
	}

	for i, p := range s.Pipelines {
		if err := validatePipeline(p); err != nil {
			return fmt.Errorf("pipelines[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validatePipeline(p PipelineSpec) error {
	if len(p.Scope) == 0 {
		return fmt.Errorf("scope is required and must be non-empty")
	}
	if _, err := engine.ParseMode(p.Mode); err != nil {
		return err
	}
	for j, st := range p.Steps {
		if _, ok := pipeline.ParseOp(st.Op); !ok {
			return fmt.Errorf("steps[%d]: unknown op %q", j, st.Op)
		}
		if st.Store == "" {
			return fmt.Errorf("steps[%d]: store is required", j)
		}
		if st.Op == pipeline.OpSearch.String() && st.Index == "" {
			return fmt.Errorf("steps[%d]: index is required for search", j)
		}
		if st.Data != nil && st.DataFrom != "" {
			return fmt.Errorf("steps[%d]: data and data_from are mutually exclusive", j)
		}
		if st.Key != nil && st.KeyFrom != "" {
			return fmt.Errorf("steps[%d]: key and key_from are mutually exclusive", j)
		}
		for _, from := range []string{st.DataFrom, st.KeyFrom} {
			if from != "" && !validFrom(from) {
				return fmt.Errorf("steps[%d]: %q must be %q or %q", j, from, fromPrevious, fromPrevious+".<path>")
			}
		}
	}
	return nil
}

func validFrom(from string) bool {
	if from == fromPrevious {
		return true
	}
	path, ok := strings.CutPrefix(from, fromPrevious+".")
	return ok && path != "" && record.ValidKeyPath(path)
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Store == "" {
		return fmt.Errorf("assertions[%d]: store is required", index)
	}

	switch a.Type {
	case AssertRecord:
		if a.Key == nil {
			return fmt.Errorf("assertions[%d]: key is required for record", index)
		}
	case AssertCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// derived reports whether the step needs the previous result.
func (s StepSpec) derived() bool {
	return s.DataFrom != "" || s.KeyFrom != ""
}

// descriptor resolves the step against the previous result.
func (s StepSpec) descriptor(prev any) pipeline.Descriptor {
	d := pipeline.Descriptor{Store: s.Store, Index: s.Index, Key: s.Key, Data: s.Data}
	if s.KeyFrom != "" {
		d.Key = fromValue(s.KeyFrom, prev)
	}
	if s.DataFrom != "" {
		d.Data = fromValue(s.DataFrom, prev)
	}
	return d
}

func fromValue(from string, prev any) any {
	path, _ := strings.CutPrefix(strings.TrimPrefix(from, fromPrevious), ".")
	v, ok := record.Extract(prev, path)
	if !ok {
		return nil
	}
	return v
}
