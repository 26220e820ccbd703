// Package runbook loads and validates declarative remediation
// runbooks.
//
// Runbooks are YAML documents validated at load time; a runbook that
// fails validation is refused and can never be executed. Step
// parameters are typed per action verb; unknown actions and unknown
// parameter keys are load-time errors, so nothing has to be rechecked
// at execution time.
package runbook

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action is a whitelisted step verb. These four are the only
// operations a runbook can perform.
type Action string

const (
	ActionRunCommand     Action = "run_command"
	ActionRestartService Action = "restart_service"
	ActionTriggerBackup  Action = "trigger_backup"
	ActionSyncManifest   Action = "sync_manifest"
)

// VerifyKind selects the post-heal fix verifier.
type VerifyKind string

const (
	VerifyNone           VerifyKind = ""
	VerifyServicesActive VerifyKind = "services_active"
	VerifyBackupAdvanced VerifyKind = "backup_advanced"
	VerifyManifestMatch  VerifyKind = "manifest_match"
)

// Severities a runbook may declare.
var validSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// StepParams is the typed parameter record for one step. Exactly one
// concrete type exists per action verb.
type StepParams interface {
	validate() error
}

// RunCommandParams executes a fixed argv with no shell interpretation.
// Argv[0] must be an absolute path; parameters are never concatenated
// into a command line.
type RunCommandParams struct {
	Argv []string          `yaml:"argv" json:"argv"`
	Env  map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

func (p *RunCommandParams) validate() error {
	if len(p.Argv) == 0 {
		return fmt.Errorf("run_command requires argv")
	}
	if !strings.HasPrefix(p.Argv[0], "/") {
		return fmt.Errorf("run_command argv[0] must be an absolute path, got %q", p.Argv[0])
	}
	return nil
}

// RestartServiceParams restarts one init-system unit.
type RestartServiceParams struct {
	Service string `yaml:"service" json:"service"`
}

func (p *RestartServiceParams) validate() error {
	if p.Service == "" {
		return fmt.Errorf("restart_service requires service")
	}
	if strings.ContainsAny(p.Service, " \t;&|$") {
		return fmt.Errorf("restart_service service %q contains shell metacharacters", p.Service)
	}
	return nil
}

// TriggerBackupParams starts a backup run, optionally for one profile.
type TriggerBackupParams struct {
	Profile string `yaml:"profile,omitempty" json:"profile,omitempty"`
}

func (p *TriggerBackupParams) validate() error { return nil }

// SyncManifestParams re-applies the declared configuration manifest,
// optionally pinning a generation.
type SyncManifestParams struct {
	Generation string `yaml:"generation,omitempty" json:"generation,omitempty"`
}

func (p *SyncManifestParams) validate() error { return nil }

// Step is one validated runbook step.
type Step struct {
	Action         Action
	TimeoutSeconds int
	Params         StepParams
}

// Runbook is a validated remediation procedure.
type Runbook struct {
	ID            string
	Name          string
	Severity      string
	Disruptive    bool
	HIPAAControls []string
	Verify        VerifyKind
	Steps         []Step
	Rollback      []Step
}

// EnvelopeSeconds is the whole-runbook execution budget: the sum of
// the forward step timeouts.
func (r *Runbook) EnvelopeSeconds() int {
	total := 0
	for _, s := range r.Steps {
		total += s.TimeoutSeconds
	}
	return total
}

// rawRunbook mirrors the YAML document before validation.
type rawRunbook struct {
	ID            string    `yaml:"id"`
	Name          string    `yaml:"name"`
	Severity      string    `yaml:"severity"`
	Disruptive    bool      `yaml:"disruptive"`
	HIPAAControls []string  `yaml:"hipaa_controls"`
	Verify        string    `yaml:"verify"`
	Steps         []rawStep `yaml:"steps"`
	Rollback      []rawStep `yaml:"rollback"`
}

type rawStep struct {
	Action         string    `yaml:"action"`
	TimeoutSeconds int       `yaml:"timeout_seconds"`
	Params         yaml.Node `yaml:"params"`
}

// Parse validates one runbook document. Any violation refuses the
// whole runbook.
func Parse(data []byte) (*Runbook, error) {
	var raw rawRunbook
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse runbook: %w", err)
	}

	if raw.ID == "" {
		return nil, fmt.Errorf("runbook missing id")
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("runbook %s missing name", raw.ID)
	}
	if len(raw.Steps) == 0 {
		return nil, fmt.Errorf("runbook %s has no steps", raw.ID)
	}
	if len(raw.HIPAAControls) == 0 {
		return nil, fmt.Errorf("runbook %s missing hipaa_controls", raw.ID)
	}
	if raw.Severity != "" && !validSeverities[raw.Severity] {
		return nil, fmt.Errorf("runbook %s has invalid severity %q", raw.ID, raw.Severity)
	}

	verify := VerifyKind(raw.Verify)
	switch verify {
	case VerifyNone, VerifyServicesActive, VerifyBackupAdvanced, VerifyManifestMatch:
	default:
		return nil, fmt.Errorf("runbook %s has unknown verify kind %q", raw.ID, raw.Verify)
	}

	rb := &Runbook{
		ID:            raw.ID,
		Name:          raw.Name,
		Severity:      raw.Severity,
		Disruptive:    raw.Disruptive,
		HIPAAControls: raw.HIPAAControls,
		Verify:        verify,
	}

	var err error
	if rb.Steps, err = parseSteps(raw.ID, "steps", raw.Steps); err != nil {
		return nil, err
	}
	if rb.Rollback, err = parseSteps(raw.ID, "rollback", raw.Rollback); err != nil {
		return nil, err
	}
	return rb, nil
}

func parseSteps(runbookID, section string, raws []rawStep) ([]Step, error) {
	steps := make([]Step, 0, len(raws))
	for i, rs := range raws {
		if rs.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("runbook %s %s[%d]: timeout_seconds must be a positive finite value", runbookID, section, i)
		}

		var params StepParams
		switch Action(rs.Action) {
		case ActionRunCommand:
			params = &RunCommandParams{}
		case ActionRestartService:
			params = &RestartServiceParams{}
		case ActionTriggerBackup:
			params = &TriggerBackupParams{}
		case ActionSyncManifest:
			params = &SyncManifestParams{}
		default:
			return nil, fmt.Errorf("runbook %s %s[%d]: action %q not in whitelist", runbookID, section, i, rs.Action)
		}

		if !rs.Params.IsZero() {
			if err := decodeStrict(&rs.Params, params); err != nil {
				return nil, fmt.Errorf("runbook %s %s[%d]: %w", runbookID, section, i, err)
			}
		}
		if err := params.validate(); err != nil {
			return nil, fmt.Errorf("runbook %s %s[%d]: %w", runbookID, section, i, err)
		}

		steps = append(steps, Step{
			Action:         Action(rs.Action),
			TimeoutSeconds: rs.TimeoutSeconds,
			Params:         params,
		})
	}
	return steps, nil
}

// decodeStrict re-decodes a params node refusing unknown keys.
func decodeStrict(node *yaml.Node, out StepParams) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return fmt.Errorf("re-marshal params: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

// Library is the set of validated runbooks, keyed by id. Loaded once
// at startup and treated as immutable afterwards.
type Library struct {
	runbooks map[string]*Runbook
	refused  int
}

// LoadDir loads every *.yaml / *.yml under dir. Invalid runbooks are
// refused (logged, skipped); duplicate ids are a hard error.
func LoadDir(dir string) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read runbooks dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	lib := &Library{runbooks: make(map[string]*Runbook)}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[runbook] Failed to read %s: %v", path, err)
			lib.refused++
			continue
		}

		rb, err := Parse(data)
		if err != nil {
			log.Printf("[runbook] Refused %s: %v", name, err)
			lib.refused++
			continue
		}

		if _, dup := lib.runbooks[rb.ID]; dup {
			return nil, fmt.Errorf("duplicate runbook id %s in %s", rb.ID, name)
		}
		lib.runbooks[rb.ID] = rb
	}

	log.Printf("[runbook] Loaded %d runbooks (%d refused)", len(lib.runbooks), lib.refused)
	return lib, nil
}

// Get returns a validated runbook, or nil when the id does not
// resolve. Callers treat nil as "refused at load".
func (l *Library) Get(id string) *Runbook {
	return l.runbooks[id]
}

// Count returns the number of loaded runbooks.
func (l *Library) Count() int { return len(l.runbooks) }

// RefusedCount returns how many documents failed validation.
func (l *Library) RefusedCount() int { return l.refused }
