package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flotilla-ai/flotilla/internal/core"
)

// TeamFile is a YAML overlay that replaces the decomposer's default team
// composition with an explicit one.
type TeamFile struct {
	Team []TeamMember `yaml:"team"`
}

// TeamMember is one agent profile in a team file.
type TeamMember struct {
	Type         string   `yaml:"type"`
	Name         string   `yaml:"name"`
	Capabilities []string `yaml:"capabilities"`
	Layer        int      `yaml:"layer"`
}

// LoadTeamFile parses a team overlay and converts it into agent
// profiles. Agent types outside the closed enumeration are rejected.
func LoadTeamFile(path string) ([]core.AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading team file: %w", err)
	}

	var tf TeamFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing team file: %w", err)
	}
	if len(tf.Team) == 0 {
		return nil, fmt.Errorf("team file %s defines no members", path)
	}

	profiles := make([]core.AgentProfile, 0, len(tf.Team))
	seen := make(map[string]bool, len(tf.Team))
	for i, m := range tf.Team {
		agentType := core.AgentType(m.Type)
		if !core.ValidAgentType(agentType) {
			return nil, fmt.Errorf("team member %d: unknown agent type %q", i, m.Type)
		}
		name := m.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", m.Type, i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("team member %d: duplicate name %q", i, name)
		}
		seen[name] = true

		profiles = append(profiles, core.AgentProfile{
			Type:         agentType,
			Name:         name,
			Capabilities: core.NewCapabilitySet(m.Capabilities...),
			Priority:     core.PriorityNormal,
			Layer:        m.Layer,
		})
	}
	return profiles, nil
}
