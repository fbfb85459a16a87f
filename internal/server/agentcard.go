// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

// AgentCard is the capability descriptor served at
// /.well-known/agent.json so peers can discover this agent.
type AgentCard struct {
	Name                              string            `json:"name"`
	Description                       string            `json:"description"`
	URL                               string            `json:"url"`
	Version                           string            `json:"version"`
	DefaultInputModes                 []string          `json:"defaultInputModes"`
	DefaultOutputModes                []string          `json:"defaultOutputModes"`
	Capabilities                      AgentCapabilities `json:"capabilities"`
	Skills                            []AgentSkill      `json:"skills"`
	SupportsAuthenticatedExtendedCard bool              `json:"supportsAuthenticatedExtendedCard"`
}

// AgentCapabilities lists optional protocol features.
type AgentCapabilities struct {
	Streaming bool `json:"streaming"`
}

// AgentSkill describes one advertised skill.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// newAgentCard builds the card for this deployment.
func newAgentCard(baseURL string) AgentCard {
	return AgentCard{
		Name:               "Workflow Agent",
		Description:        "An agent that executes workflow tasks and returns structured results",
		URL:                baseURL,
		Version:            "1.0.0",
		DefaultInputModes:  []string{"data"},
		DefaultOutputModes: []string{"data"},
		Capabilities:       AgentCapabilities{Streaming: false},
		Skills:             []AgentSkill{},
	}
}
