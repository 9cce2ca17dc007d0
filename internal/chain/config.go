package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models configs/chains.yaml, mapping network identifiers such
// as "eip155:8453" to RPC endpoints.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes one chain endpoint.
type Definition struct {
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadDefinitions parses the YAML chain definition file. An empty path
// yields an empty set, which disables on-chain funding.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read chain definitions: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

// Resolve returns the definition for a network identifier.
func (d Definitions) Resolve(network string) (Definition, error) {
	def, ok := d.Chains[network]
	if !ok {
		return Definition{}, fmt.Errorf("network %q is not defined", network)
	}
	if strings.TrimSpace(def.RPCURL) == "" {
		return Definition{}, fmt.Errorf("network %q has no rpc endpoint", network)
	}
	return def, nil
}
