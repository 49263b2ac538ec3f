package harness

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Scenario is a conformance scenario written as a YAML document.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Timeout overrides the default wait of expect, expect_many and waiting
	// calls.
	Timeout Duration `yaml:"timeout,omitempty"`

	// ExpectFailure is the failure code the run must end with. A scenario
	// with ExpectFailure passes only when it fails that way.
	ExpectFailure string `yaml:"expect_failure,omitempty"`

	// Peers are created before the first step, unregistered.
	Peers []PeerSpec `yaml:"peers,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`
}

// PeerSpec declares a simulated peer.
type PeerSpec struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Path string `yaml:"path"`

	// Properties are served through org.freedesktop.DBus.Properties while
	// the peer is active, keyed by interface.
	Properties map[string]map[string]any `yaml:"properties,omitempty"`
}

// Step is one scenario step. Exactly one verb field is set.
type Step struct {
	Register     string            `yaml:"register,omitempty"`
	Start        string            `yaml:"start,omitempty"`
	Withdraw     string            `yaml:"withdraw,omitempty"`
	Reacquire    string            `yaml:"reacquire,omitempty"`
	Call         *CallStep         `yaml:"call,omitempty"`
	Expect       *PatternSpec      `yaml:"expect,omitempty"`
	ExpectMany   *ExpectManyStep   `yaml:"expect_many,omitempty"`
	Reply        *ReplyStep        `yaml:"reply,omitempty"`
	Raise        *RaiseStep        `yaml:"raise,omitempty"`
	Emit         *EmitStep         `yaml:"emit,omitempty"`
	Forbid       []PatternSpec     `yaml:"forbid,omitempty"`
	Unforbid     []PatternSpec     `yaml:"unforbid,omitempty"`
	Handle       *HandleStep       `yaml:"handle,omitempty"`
	EnsureHandle *EnsureHandleStep `yaml:"ensure_handle,omitempty"`
	Sleep        *Duration         `yaml:"sleep,omitempty"`

	// As binds the step outcome to a name: the event of expect, emit and
	// waiting calls, the serial of other calls, the events of expect_many
	// as name[0], name[1], ..., the handle of ensure_handle.
	As string `yaml:"as,omitempty"`

	// Timeout overrides the wait of this step.
	Timeout Duration `yaml:"timeout,omitempty"`

	// Error asserts that the step fails with this failure code. The
	// scenario continues after the expected failure.
	Error string `yaml:"error,omitempty"`
}

// Verb returns the name of the step's verb.
func (s *Step) Verb() string {
	verbs := s.verbs()
	if len(verbs) != 1 {
		return ""
	}
	return verbs[0]
}

func (s *Step) verbs() []string {
	set := map[string]bool{
		"register":      s.Register != "",
		"start":         s.Start != "",
		"withdraw":      s.Withdraw != "",
		"reacquire":     s.Reacquire != "",
		"call":          s.Call != nil,
		"expect":        s.Expect != nil,
		"expect_many":   s.ExpectMany != nil,
		"reply":         s.Reply != nil,
		"raise":         s.Raise != nil,
		"emit":          s.Emit != nil,
		"forbid":        len(s.Forbid) > 0,
		"unforbid":      len(s.Unforbid) > 0,
		"handle":        s.Handle != nil,
		"ensure_handle": s.EnsureHandle != nil,
		"sleep":         s.Sleep != nil,
	}
	var verbs []string
	for verb, ok := range set {
		if ok {
			verbs = append(verbs, verb)
		}
	}
	sort.Strings(verbs)
	return verbs
}

// PatternSpec is the document form of pattern.Pattern.
type PatternSpec struct {
	Kind         string  `yaml:"kind,omitempty"`
	Interface    string  `yaml:"interface,omitempty"`
	Member       string  `yaml:"member,omitempty"`
	Path         string  `yaml:"path,omitempty"`
	Sender       string  `yaml:"sender,omitempty"`
	Destination  string  `yaml:"destination,omitempty"`
	ErrorName    string  `yaml:"error_name,omitempty"`
	Serial       *uint32 `yaml:"serial,omitempty"`
	ReplySerial  *uint32 `yaml:"reply_serial,omitempty"`
	ReplyTo      string  `yaml:"reply_to,omitempty"`
	Args         []any   `yaml:"args,omitempty"`
	ArgsPrefix   []any   `yaml:"args_prefix,omitempty"`
	ArgsAnyOrder []any   `yaml:"args_any_order,omitempty"`
	Unhandled    bool    `yaml:"unhandled,omitempty"`
}

// CallStep sends a method call. With Peer set, destination and path
// default to the peer's identity.
type CallStep struct {
	Peer        string `yaml:"peer,omitempty"`
	Destination string `yaml:"destination,omitempty"`
	Path        string `yaml:"path,omitempty"`
	Interface   string `yaml:"interface"`
	Method      string `yaml:"method"`
	Args        []any  `yaml:"args,omitempty"`

	// Wait blocks until the answer arrives and binds it instead of the
	// serial.
	Wait bool `yaml:"wait,omitempty"`
}

// ReplyStep answers a bound method call event.
type ReplyStep struct {
	Event string `yaml:"event"`
	Args  []any  `yaml:"args,omitempty"`
}

// RaiseStep answers a bound method call event with an error.
type RaiseStep struct {
	Event   string `yaml:"event"`
	Name    string `yaml:"name"`
	Message string `yaml:"message,omitempty"`
}

// EmitStep broadcasts a signal, from a peer when Peer is set.
type EmitStep struct {
	Peer      string `yaml:"peer,omitempty"`
	Path      string `yaml:"path,omitempty"`
	Interface string `yaml:"interface"`
	Member    string `yaml:"member"`
	Args      []any  `yaml:"args,omitempty"`
}

// ExpectManyStep waits for several patterns.
type ExpectManyStep struct {
	Mode     string        `yaml:"mode,omitempty"`
	Patterns []PatternSpec `yaml:"patterns"`
}

// HandleStep answers matching method calls on arrival for the rest of the
// run, with Reply values or with the Error name.
type HandleStep struct {
	Match   PatternSpec `yaml:"match"`
	Reply   []any       `yaml:"reply,omitempty"`
	Error   string      `yaml:"error,omitempty"`
	Message string      `yaml:"message,omitempty"`
}

// EnsureHandleStep maps an identifier to a stable peer handle.
type EnsureHandleStep struct {
	Peer string `yaml:"peer"`
	Kind string `yaml:"kind"`
	ID   string `yaml:"id"`
}

// Duration is a time.Duration written as "250ms", "2s", ...
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadScenario reads, validates and parses a scenario YAML file.
// Returns an error if the file doesn't exist, violates the schema,
// contains unknown fields (typos), or has steps without exactly one verb.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return scenario, nil
}

// ParseScenario validates and parses a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	// Parse YAML with strict field validation (catches typos like "expects:" vs "expect:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml and *.yml file of dir, sorted by name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	var paths []string
	for _, glob := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, glob))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	seen := make(map[string]string)
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("scenario %q defined in %s and %s", s.Name, prev, path)
		}
		seen[s.Name] = path
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

var (
	schemaMu    sync.Mutex
	schemaValue cue.Value
	schemaErr   error
	schemaReady bool
)

func scenarioSchema() (cue.Value, error) {
	if !schemaReady {
		schemaReady = true
		ctx := cuecontext.New()
		v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile scenario schema: %w", err)
		} else {
			schemaValue = v.LookupPath(cue.ParsePath("#Scenario"))
		}
	}
	return schemaValue, schemaErr
}

// ValidateDocument checks a scenario document against the embedded CUE
// schema.
func ValidateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("empty scenario document")
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()

	schema, err := scenarioSchema()
	if err != nil {
		return err
	}
	v := schema.Context().Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("scenario document: %w", err)
	}
	if err := schema.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema violation:\n%s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// validateScenario checks what the schema cannot express.
func validateScenario(s *Scenario) error {
	peers := make(map[string]bool, len(s.Peers))
	for _, p := range s.Peers {
		if peers[p.ID] {
			return fmt.Errorf("peer id %q declared twice", p.ID)
		}
		peers[p.ID] = true
	}

	for i := range s.Steps {
		step := &s.Steps[i]
		verbs := step.verbs()
		switch len(verbs) {
		case 0:
			return fmt.Errorf("step %d: no verb", i+1)
		case 1:
		default:
			return fmt.Errorf("step %d: several verbs: %s", i+1, strings.Join(verbs, ", "))
		}

		for _, id := range step.peerRefs() {
			if !peers[id] {
				return fmt.Errorf("step %d (%s): unknown peer %q", i+1, verbs[0], id)
			}
		}
		if c := step.Call; c != nil && c.Peer == "" && c.Destination == "" {
			return fmt.Errorf("step %d (call): peer or destination required", i+1)
		}
		if e := step.Emit; e != nil && e.Peer == "" && e.Path == "" {
			return fmt.Errorf("step %d (emit): peer or path required", i+1)
		}
		if h := step.Handle; h != nil && h.Error == "" && h.Message != "" {
			return fmt.Errorf("step %d (handle): message without error", i+1)
		}
	}
	return nil
}

func (s *Step) peerRefs() []string {
	var ids []string
	for _, id := range []string{s.Register, s.Start, s.Withdraw, s.Reacquire} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if s.Call != nil && s.Call.Peer != "" {
		ids = append(ids, s.Call.Peer)
	}
	if s.Emit != nil && s.Emit.Peer != "" {
		ids = append(ids, s.Emit.Peer)
	}
	if s.EnsureHandle != nil {
		ids = append(ids, s.EnsureHandle.Peer)
	}
	return ids
}
