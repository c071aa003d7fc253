package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/git-hunters/githunters/internal/chain"
)

// contractsFile is the on-disk layout of the address book, e.g.
//
//	contracts:
//	  bounty_escrow: "0x..."
//	  repo_registry: "0x..."
type contractsFile struct {
	Contracts chain.ContractAddresses `yaml:"contracts"`
}

// LoadContracts reads a YAML contract address book. Addresses are validated
// later, after environment overrides are applied.
func LoadContracts(path string) (*chain.ContractAddresses, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read contracts config: %w", err)
	}

	var file contractsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse contracts config: %w", err)
	}
	return &file.Contracts, nil
}
