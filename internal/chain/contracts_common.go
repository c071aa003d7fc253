package chain

import (
	"bytes"
	_ "embed"
	"fmt"
	"math/big"
	"os"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// =============================================================================
// Contract ABIs
// =============================================================================

//go:embed abi/BountyEscrow.json
var escrowABIJSON []byte

//go:embed abi/RepoRegistry.json
var registryABIJSON []byte

var (
	escrowABI   = mustParseABI("BountyEscrow", escrowABIJSON)
	registryABI = mustParseABI("RepoRegistry", registryABIJSON)
)

func mustParseABI(name string, raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse %s ABI: %v", name, err))
	}
	return parsed
}

// EscrowABI returns the parsed BountyEscrow ABI.
func EscrowABI() *abi.ABI { return &escrowABI }

// RegistryABI returns the parsed RepoRegistry ABI.
func RegistryABI() *abi.ABI { return &registryABI }

// =============================================================================
// Contract Addresses (configurable)
// =============================================================================

// ContractAddresses holds the deployed contract addresses.
type ContractAddresses struct {
	Escrow   string `yaml:"bounty_escrow" json:"bountyEscrow"`
	Registry string `yaml:"repo_registry" json:"repoRegistry"`
}

// LoadFromEnv overrides addresses from environment variables.
func (c *ContractAddresses) LoadFromEnv() {
	if h := os.Getenv("BOUNTY_ESCROW_ADDRESS"); h != "" {
		c.Escrow = h
	}
	if h := os.Getenv("REPO_REGISTRY_ADDRESS"); h != "" {
		c.Registry = h
	}
}

// Validate checks both addresses are well-formed and non-zero.
func (c ContractAddresses) Validate() error {
	if _, err := ParseAddress(c.Escrow); err != nil {
		return fmt.Errorf("bounty escrow address: %w", err)
	}
	if _, err := ParseAddress(c.Registry); err != nil {
		return fmt.Errorf("repo registry address: %w", err)
	}
	return nil
}

// =============================================================================
// Identifiers
// =============================================================================

// ParseAddress parses a 0x-prefixed hex address and rejects the zero address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address not allowed")
	}
	return addr, nil
}

// ParseTxHash parses a 0x-prefixed 32-byte transaction hash. Unlike
// common.HexToHash it rejects short or malformed input instead of padding it.
func ParseTxHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", s)
	}
	return common.BytesToHash(b), nil
}

// NormalizeAddress returns the lowercase hex form used as a cache key.
func NormalizeAddress(s string) (string, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return strings.ToLower(addr.Hex()), nil
}

var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// NormalizeRepo validates an "owner/name" GitHub repository reference and
// lowercases it. GitHub names are case-insensitive.
func NormalizeRepo(fullName string) (string, error) {
	s := strings.Trim(strings.TrimSpace(fullName), "/")
	if !repoNamePattern.MatchString(s) || len(s) > 200 {
		return "", fmt.Errorf("invalid repository %q: want owner/name", fullName)
	}
	return strings.ToLower(s), nil
}

// =============================================================================
// Bounty Types
// =============================================================================

// BountyStatus mirrors the escrow contract's status enum.
type BountyStatus uint8

const (
	BountyOpen      BountyStatus = 0
	BountyReleased  BountyStatus = 1
	BountyCancelled BountyStatus = 2
)

func (s BountyStatus) String() string {
	switch s {
	case BountyOpen:
		return "open"
	case BountyReleased:
		return "released"
	case BountyCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Bounty is an escrowed reward for one issue.
type Bounty struct {
	ID          *big.Int
	Repo        string
	IssueNumber uint64
	Amount      *big.Int
	Contributor common.Address
	Status      BountyStatus
	CreatedAt   uint64
}

// Repository is a registry entry.
type Repository struct {
	FullName     string
	Owner        common.Address
	MetadataCID  string
	RegisteredAt uint64
	Active       bool
}

// Registered reports whether the registry holds an entry for the repository.
func (r *Repository) Registered() bool {
	return r != nil && r.Owner != (common.Address{})
}
