// Package tools builds the per-workflow tool sets handed to the agent
// runtime: builtin tools (search, code execution, charting, file I/O) and
// delegation tools that wrap sub-agent runtimes. Which agents exist and
// which tools each one carries is configured by a YAML roster.
package tools

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// AgentSpec declares one sub-agent: its delegation tool name, a description
// surfaced to the manager runtime, and the builtin tools it may use.
type AgentSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools"`
}

// ToolSettings holds per-tool tunables from the roster file.
type ToolSettings struct {
	Description    string `yaml:"description"`
	MaxResults     int    `yaml:"max_results"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Roster is the complete tool/agent configuration.
type Roster struct {
	Agents       []AgentSpec             `yaml:"agents"`
	ManagerTools []string                `yaml:"manager_tools"`
	Tools        map[string]ToolSettings `yaml:"tools"`
}

var (
	rosterConfig     *Roster
	rosterConfigOnce sync.Once
	rosterConfigErr  error
)

// LoadRoster loads the tools.yaml roster, resolving the path from
// TOOLS_CONFIG_PATH or a list of conventional locations. Falls back to the
// built-in default roster when no file is found. The result is cached for
// the process lifetime; use ReloadRoster for hot-reload paths.
func LoadRoster() (*Roster, error) {
	rosterConfigOnce.Do(func() {
		rosterConfig, rosterConfigErr = loadRosterFromFile()
	})
	return rosterConfig, rosterConfigErr
}

// ReloadRoster forces a reload of the roster configuration.
func ReloadRoster() (*Roster, error) {
	rosterConfigOnce = sync.Once{}
	return LoadRoster()
}

func loadRosterFromFile() (*Roster, error) {
	cfgPath := os.Getenv("TOOLS_CONFIG_PATH")
	if cfgPath == "" {
		candidates := []string{
			"/app/config/tools.yaml",
			"config/tools.yaml",
			"../../config/tools.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				cfgPath = c
				break
			}
		}
	}

	if cfgPath == "" {
		return defaultRoster(), nil
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tools.yaml: %w", err)
	}

	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse tools.yaml: %w", err)
	}
	applyRosterDefaults(&r)
	return &r, nil
}

// defaultRoster is the roster used when no config file is present: a
// manager with direct search and file access, plus two specialists.
func defaultRoster() *Roster {
	r := &Roster{
		Agents: []AgentSpec{
			{
				Name:        "research_agent",
				Description: "Searches the web and summarizes findings",
				Tools:       []string{ToolWebSearch, ToolFileSave},
			},
			{
				Name:        "dev_agent",
				Description: "Writes and runs code, renders charts",
				Tools:       []string{ToolCodeExecution, ToolCreateChart, ToolFileSave, ToolFileRead},
			},
		},
		ManagerTools: []string{ToolWebSearch, ToolFileRead},
	}
	applyRosterDefaults(r)
	return r
}

func applyRosterDefaults(r *Roster) {
	if r.Tools == nil {
		r.Tools = make(map[string]ToolSettings)
	}
	for name, ts := range r.Tools {
		if ts.MaxResults == 0 {
			ts.MaxResults = 5
		}
		if ts.TimeoutSeconds == 0 {
			ts.TimeoutSeconds = 30
		}
		r.Tools[name] = ts
	}
	if len(r.ManagerTools) == 0 {
		r.ManagerTools = []string{ToolWebSearch}
	}
}

// Settings returns the configured settings for a tool, with defaults for
// tools the roster file does not mention.
func (r *Roster) Settings(toolName string) ToolSettings {
	if ts, ok := r.Tools[toolName]; ok {
		return ts
	}
	return ToolSettings{MaxResults: 5, TimeoutSeconds: 30}
}

// AgentNames returns the delegation tool names in roster order.
func (r *Roster) AgentNames() []string {
	names := make([]string, 0, len(r.Agents))
	for _, a := range r.Agents {
		names = append(names, a.Name)
	}
	return names
}

// AgentByName looks up an agent spec.
func (r *Roster) AgentByName(name string) (AgentSpec, bool) {
	for _, a := range r.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// Validate checks that every referenced tool name is a known builtin and
// that agent names are unique and do not shadow builtin tools.
func (r *Roster) Validate() error {
	seen := make(map[string]struct{}, len(r.Agents))
	for _, a := range r.Agents {
		if a.Name == "" {
			return fmt.Errorf("roster agent with empty name")
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("duplicate roster agent %q", a.Name)
		}
		seen[a.Name] = struct{}{}
		if _, clash := builtinBuilders[a.Name]; clash {
			return fmt.Errorf("roster agent %q shadows a builtin tool", a.Name)
		}
		for _, t := range a.Tools {
			if _, ok := builtinBuilders[t]; !ok {
				return fmt.Errorf("agent %q references unknown tool %q", a.Name, t)
			}
		}
	}
	for _, t := range r.ManagerTools {
		if _, ok := builtinBuilders[t]; !ok {
			return fmt.Errorf("manager_tools references unknown tool %q", t)
		}
	}
	return nil
}
