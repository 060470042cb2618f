package hub

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfidenceThreshold applies when neither the file nor a topic
// override names one.
const DefaultConfidenceThreshold = 80

// DefaultWorkerTimeout bounds a single worker call.
const DefaultWorkerTimeout = 120 * time.Second

// AgentConfig describes one registered expert worker endpoint.
type AgentConfig struct {
	ID             string   `yaml:"-"`
	URL            string   `yaml:"url"`
	DefaultModel   string   `yaml:"default_model"`
	DefaultTimeout int      `yaml:"default_timeout"`
	Topics         []string `yaml:"topics"`
}

// Timeout returns the per-agent worker deadline.
func (a AgentConfig) Timeout() time.Duration {
	if a.DefaultTimeout > 0 {
		return time.Duration(a.DefaultTimeout) * time.Second
	}
	return DefaultWorkerTimeout
}

// TopicOverride pins a topic to an agent and/or sets its threshold.
type TopicOverride struct {
	AgentID             string `yaml:"agent_id"`
	ConfidenceThreshold *int   `yaml:"confidence_threshold"`
}

// RoutingTable is the immutable topic→agent map loaded at startup.
// Hot-reload is deliberately not supported; restart to reconfigure.
type RoutingTable struct {
	agents           map[string]AgentConfig
	overrides        map[string]TopicOverride
	defaultThreshold int
	fileHasDefault   bool
}

type routingFile struct {
	DefaultThreshold *int                     `yaml:"default_threshold"`
	Agents           map[string]AgentConfig   `yaml:"agents"`
	Overrides        map[string]TopicOverride `yaml:"overrides"`
}

// LoadRoutingTable parses the YAML routing config.
func LoadRoutingTable(path string) (*RoutingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing config %s: %w", path, err)
	}
	return ParseRoutingTable(data)
}

// ParseRoutingTable builds the table from raw YAML.
func ParseRoutingTable(data []byte) (*RoutingTable, error) {
	var file routingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse routing config: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("routing config declares no agents")
	}

	agents := make(map[string]AgentConfig, len(file.Agents))
	for id, agent := range file.Agents {
		if agent.URL == "" {
			return nil, fmt.Errorf("agent %q has no url", id)
		}
		agent.ID = id
		agents[id] = agent
	}

	for topic, override := range file.Overrides {
		if override.AgentID != "" {
			if _, ok := agents[override.AgentID]; !ok {
				return nil, fmt.Errorf("override for topic %q references unknown agent %q", topic, override.AgentID)
			}
		}
		if override.ConfidenceThreshold != nil {
			if t := *override.ConfidenceThreshold; t < 0 || t > 100 {
				return nil, fmt.Errorf("override for topic %q has threshold %d outside [0,100]", topic, t)
			}
		}
	}

	threshold := DefaultConfidenceThreshold
	if file.DefaultThreshold != nil {
		if t := *file.DefaultThreshold; t < 0 || t > 100 {
			return nil, fmt.Errorf("default_threshold %d outside [0,100]", t)
		}
		threshold = *file.DefaultThreshold
	}

	return &RoutingTable{
		agents:           agents,
		overrides:        file.Overrides,
		defaultThreshold: threshold,
		fileHasDefault:   file.DefaultThreshold != nil,
	}, nil
}

// SetDefaultThreshold overrides the default threshold unconditionally.
func (t *RoutingTable) SetDefaultThreshold(threshold int) {
	t.defaultThreshold = threshold
}

// ApplyEnvDefault installs the environment threshold unless the routing file
// pinned its own default; the file wins.
func (t *RoutingTable) ApplyEnvDefault(threshold int) {
	if !t.fileHasDefault {
		t.defaultThreshold = threshold
	}
}

// Agent looks up an agent by id.
func (t *RoutingTable) Agent(id string) (AgentConfig, bool) {
	agent, ok := t.agents[id]
	return agent, ok
}

// Agents lists every configured agent, sorted by id.
func (t *RoutingTable) Agents() []AgentConfig {
	out := make([]AgentConfig, 0, len(t.agents))
	for _, agent := range t.agents {
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ErrUnknownTopic is returned with the known-topic list attached.
type ErrUnknownTopic struct {
	Topic       string
	KnownTopics []string
}

func (e *ErrUnknownTopic) Error() string {
	return fmt.Sprintf("unknown topic %q", e.Topic)
}

// Resolve maps a topic to its agent and effective confidence threshold.
// Resolution order: topic override agent, then any agent listing the topic.
func (t *RoutingTable) Resolve(topic string) (AgentConfig, int, error) {
	threshold := t.defaultThreshold
	if override, ok := t.overrides[topic]; ok {
		if override.ConfidenceThreshold != nil {
			threshold = *override.ConfidenceThreshold
		}
		if override.AgentID != "" {
			return t.agents[override.AgentID], threshold, nil
		}
	}

	for _, id := range t.sortedAgentIDs() {
		agent := t.agents[id]
		for _, candidate := range agent.Topics {
			if candidate == topic {
				return agent, threshold, nil
			}
		}
	}

	return AgentConfig{}, 0, &ErrUnknownTopic{Topic: topic, KnownTopics: t.KnownTopics()}
}

// KnownTopics returns every routable topic, sorted and deduplicated.
func (t *RoutingTable) KnownTopics() []string {
	seen := map[string]struct{}{}
	for topic := range t.overrides {
		seen[topic] = struct{}{}
	}
	for _, agent := range t.agents {
		for _, topic := range agent.Topics {
			seen[topic] = struct{}{}
		}
	}
	topics := make([]string, 0, len(seen))
	for topic := range seen {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (t *RoutingTable) sortedAgentIDs() []string {
	ids := make([]string, 0, len(t.agents))
	for id := range t.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
