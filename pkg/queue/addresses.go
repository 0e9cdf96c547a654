// Package queue maps agent names to queue topics and publishes agent and
// completion messages on the configured substrate.
package queue

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dukex/conductor/pkg/models"
)

// Default topics.
const (
	ResultsTopic = "conductor.results"
	AgentPrefix  = "conductor.agent."
)

var ErrUnknownAgent = errors.New("unknown agent")

// Addresses resolves agent names to topics. It is fixed at startup.
type Addresses struct {
	agents  map[string]string
	results string
}

func NewAddresses(agents map[string]string, results string) (*Addresses, error) {
	if results == "" {
		return nil, errors.New("results queue address is required")
	}

	resolved := make(map[string]string, len(agents))

	for agent, topic := range agents {
		if agent == "" || topic == "" {
			return nil, fmt.Errorf("invalid queue address %q=%q", agent, topic)
		}

		if topic == results {
			return nil, fmt.Errorf("agent %s cannot share the results queue %s", agent, topic)
		}

		resolved[agent] = topic
	}

	return &Addresses{agents: resolved, results: results}, nil
}

// DefaultAgentTopics returns one topic per built-in agent.
func DefaultAgentTopics() map[string]string {
	topics := make(map[string]string)

	for _, taskType := range models.TaskTypes() {
		agent, _ := models.DefaultAgent(taskType)
		topics[agent] = AgentPrefix + agent
	}

	return topics
}

// ParseAgentTopics parses "agent=topic,agent=topic".
func ParseAgentTopics(value string) (map[string]string, error) {
	topics := make(map[string]string)

	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		agent, topic, found := strings.Cut(pair, "=")
		if !found || strings.TrimSpace(agent) == "" || strings.TrimSpace(topic) == "" {
			return nil, fmt.Errorf("invalid agent queue %q, expected agent=topic", pair)
		}

		topics[strings.TrimSpace(agent)] = strings.TrimSpace(topic)
	}

	return topics, nil
}

// Address returns the topic of agent or ErrUnknownAgent.
func (a *Addresses) Address(agent string) (string, error) {
	topic, ok := a.agents[agent]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}

	return topic, nil
}

func (a *Addresses) Results() string {
	return a.results
}

func (a *Addresses) Agents() []string {
	return slices.Sorted(maps.Keys(a.agents))
}
