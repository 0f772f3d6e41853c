// Package profile describes per-agent transport policy: how to spawn a
// given agent binary, how long to wait for it, how to clean up the noise
// it prints to stdout/stderr, and how to resolve its tool names.
//
// Profiles are data, not code. Built-in profiles cover the agents observed
// in the wild; user YAML files merge over the built-ins so a vendor quirk
// can be patched without a release.
package profile

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Command describes how to spawn the agent process.
type Command struct {
	Binary string            `yaml:"binary"`
	Args   []string          `yaml:"args"`
	Env    map[string]string `yaml:"env"`
}

// StderrAction is what to do with a classified stderr line.
type StderrAction string

const (
	// StderrSuppress drops the line entirely.
	StderrSuppress StderrAction = "suppress"
	// StderrLog records the line at debug level.
	StderrLog StderrAction = "log"
	// StderrStatus promotes the line to a user-visible status event.
	StderrStatus StderrAction = "status"
)

// StderrRule classifies stderr lines by substring match. Rules are applied
// in order; the first match wins.
type StderrRule struct {
	Contains string       `yaml:"contains"`
	Action   StderrAction `yaml:"action"`
}

// ToolNamePattern maps a substring of a tool-call id to a tool name.
// Agents that omit tool names often encode them in the call id
// (e.g. "call_bash_01HX...").
type ToolNamePattern struct {
	Substring string `yaml:"substring"`
	Name      string `yaml:"name"`
}

// Timeouts holds per-agent timing policy. Zero values fall back to the
// runtime defaults.
type Timeouts struct {
	// Request is the per-attempt deadline for initialize, session/new and
	// session/load.
	Request Duration `yaml:"request"`

	// ToolExecution is the liveness deadline for an in-progress tool call.
	ToolExecution Duration `yaml:"tool_execution"`

	// Investigation is the liveness deadline for tools in the
	// investigation class (search/grep/glob/task), which legitimately
	// run long.
	Investigation Duration `yaml:"investigation"`

	// Idle is the quiet window after the last output chunk before the
	// session is considered idle.
	Idle Duration `yaml:"idle"`
}

// Profile is the full transport policy for one agent vendor.
type Profile struct {
	Name    string  `yaml:"name"`
	Command Command `yaml:"command"`

	// StdoutDropPrefixes lists line prefixes to strip from the agent's
	// data channel before JSON parsing (startup banners, npm warnings).
	StdoutDropPrefixes []string `yaml:"stdout_drop_prefixes"`

	// StderrRules classify diagnostic output. Lines matching no rule are
	// logged.
	StderrRules []StderrRule `yaml:"stderr_rules"`

	// ToolNamePatterns resolve placeholder tool names from call ids.
	ToolNamePatterns []ToolNamePattern `yaml:"tool_name_patterns"`

	// InvestigationTools lists tool names that get the Investigation
	// timeout instead of the ToolExecution one.
	InvestigationTools []string `yaml:"investigation_tools"`

	// DefaultTool is reported when a call has a placeholder name and an
	// empty input, leaving no resolution signal at all.
	DefaultTool string `yaml:"default_tool"`

	Timeouts Timeouts `yaml:"timeouts"`
}

// LineFilter returns the stdout line predicate for this profile. The
// returned function reports (line, keep); dropped lines never reach the
// protocol parser.
func (p *Profile) LineFilter() func(line []byte) ([]byte, bool) {
	prefixes := p.StdoutDropPrefixes
	return func(line []byte) ([]byte, bool) {
		s := string(line)
		for _, pre := range prefixes {
			if strings.HasPrefix(s, pre) {
				return nil, false
			}
		}
		return line, true
	}
}

// ClassifyStderr applies the profile's stderr rules to one line.
// Unmatched lines default to StderrLog.
func (p *Profile) ClassifyStderr(line string) StderrAction {
	for _, r := range p.StderrRules {
		if r.Contains != "" && strings.Contains(line, r.Contains) {
			return r.Action
		}
	}
	return StderrLog
}

// ResolveNameFromID matches the tool-call id against the profile's pattern
// table. Returns "" when nothing matches.
func (p *Profile) ResolveNameFromID(callID string) string {
	lower := strings.ToLower(callID)
	for _, pat := range p.ToolNamePatterns {
		if pat.Substring != "" && strings.Contains(lower, strings.ToLower(pat.Substring)) {
			return pat.Name
		}
	}
	return ""
}

// IsInvestigationTool reports whether name is in the long-running
// investigation class.
func (p *Profile) IsInvestigationTool(name string) bool {
	for _, t := range p.InvestigationTools {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// Duration wraps time.Duration with YAML support for "30s"-style strings.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("profile: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadFile reads one or more profiles from a YAML file and merges them over
// the built-ins by name. The file may hold a single profile document or a
// `profiles:` list.
func LoadFile(path string) (map[string]*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes profile YAML and merges it over the built-ins.
func Parse(data []byte) (map[string]*Profile, error) {
	var doc struct {
		Profiles []*Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("profile: parse: %w", err)
	}
	if len(doc.Profiles) == 0 {
		var single Profile
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("profile: parse: %w", err)
		}
		if single.Name != "" {
			doc.Profiles = append(doc.Profiles, &single)
		}
	}

	merged := builtinProfiles()
	for _, p := range doc.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile: profile without a name")
		}
		if base, ok := merged[p.Name]; ok {
			merged[p.Name] = merge(base, p)
		} else {
			merged[p.Name] = p
		}
	}
	return merged, nil
}

// merge overlays non-zero fields of over onto a copy of base.
func merge(base, over *Profile) *Profile {
	out := *base
	if over.Command.Binary != "" {
		out.Command.Binary = over.Command.Binary
	}
	if over.Command.Args != nil {
		out.Command.Args = over.Command.Args
	}
	if over.Command.Env != nil {
		out.Command.Env = over.Command.Env
	}
	if over.StdoutDropPrefixes != nil {
		out.StdoutDropPrefixes = over.StdoutDropPrefixes
	}
	if over.StderrRules != nil {
		out.StderrRules = over.StderrRules
	}
	if over.ToolNamePatterns != nil {
		out.ToolNamePatterns = over.ToolNamePatterns
	}
	if over.InvestigationTools != nil {
		out.InvestigationTools = over.InvestigationTools
	}
	if over.DefaultTool != "" {
		out.DefaultTool = over.DefaultTool
	}
	if over.Timeouts.Request != 0 {
		out.Timeouts.Request = over.Timeouts.Request
	}
	if over.Timeouts.ToolExecution != 0 {
		out.Timeouts.ToolExecution = over.Timeouts.ToolExecution
	}
	if over.Timeouts.Investigation != 0 {
		out.Timeouts.Investigation = over.Timeouts.Investigation
	}
	if over.Timeouts.Idle != 0 {
		out.Timeouts.Idle = over.Timeouts.Idle
	}
	return &out
}

// Builtin returns a copy of the named built-in profile, or nil.
func Builtin(name string) *Profile {
	p, ok := builtinProfiles()[name]
	if !ok {
		return nil
	}
	return p
}
