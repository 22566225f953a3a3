package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"ledgerwatch/internal/protocol"
)

// Scenario describes a coordinator state and the views expected after the
// observer has synchronized with it
type Scenario struct {
	Name     string                  `yaml:"name" json:"name"`
	Registry map[string]ScenarioNode `yaml:"registry" json:"registry"`
	Central  []string                `yaml:"central_logs" json:"central_logs"`
	NodeLogs map[string][]string     `yaml:"node_logs" json:"node_logs"`
	Blocks   []ScenarioBlock         `yaml:"blocks" json:"blocks"`
	Expect   ScenarioExpectation     `yaml:"expect" json:"expect"`
}

// ScenarioNode is one registry entry. Down nodes answer 503 to status checks.
type ScenarioNode struct {
	PublicKey string `yaml:"public_key" json:"public_key"`
	Down      bool   `yaml:"down" json:"down"`
}

// ScenarioBlock is one ledger entry
type ScenarioBlock struct {
	Data        string `yaml:"data" json:"data"`
	CommittedBy string `yaml:"committed_by" json:"committed_by"`
	CommitTime  string `yaml:"commit_time" json:"commit_time"`
}

// ScenarioExpectation lists the views the observer should converge to
type ScenarioExpectation struct {
	Health      map[string]string   `yaml:"health" json:"health"`
	Coordinator []string            `yaml:"coordinator" json:"coordinator"`
	Nodes       map[string][]string `yaml:"nodes" json:"nodes"`
	Ledger      []string            `yaml:"ledger" json:"ledger"`
}

// LoadScenario reads a YAML or JSON scenario file
func LoadScenario(t *testing.T, path string) *Scenario {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err, "reading fixture %s", path)

	var s Scenario
	switch ext := filepath.Ext(path); ext {
	case ".json":
		err = json.Unmarshal(data, &s)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &s)
	default:
		err = fmt.Errorf("unsupported fixture format: %s", ext)
	}
	require.NoError(t, err, "parsing fixture %s", path)
	return &s
}

// Install loads the scenario into a fake coordinator, starting one fake node
// per registry entry. It returns the nodes by id.
func (s *Scenario) Install(t *testing.T, coord *FakeCoordinator) map[string]*FakeNode {
	t.Helper()
	nodes := make(map[string]*FakeNode, len(s.Registry))
	entries := make(map[string]protocol.RegistryEntry, len(s.Registry))
	for id, n := range s.Registry {
		node := NewFakeNode(t)
		if n.Down {
			node.SetStatus(503)
		}
		nodes[id] = node
		entries[id] = protocol.RegistryEntry{PublicKey: n.PublicKey, PublicURL: node.URL()}
	}
	coord.SetRegistry(entries)
	coord.SetCentralLogs(s.Central)

	for id, lines := range s.NodeLogs {
		records := make([]protocol.NodeLogRecord, 0, len(lines))
		for _, line := range lines {
			records = append(records, protocol.NodeLogRecord{Log: line, LogType: protocol.LogTypeNode})
		}
		coord.SetNodeLogs(id, records)
	}

	blocks := make([]protocol.BlockRecord, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		blocks = append(blocks, protocol.BlockRecord{
			BlockData:   b.Data,
			CommittedBy: protocol.FlexString(b.CommittedBy),
			CommitTime:  b.CommitTime,
		})
	}
	coord.SetBlocks(blocks)
	return nodes
}
