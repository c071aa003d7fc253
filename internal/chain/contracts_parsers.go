package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// =============================================================================
// ABI Value Parsers
// =============================================================================

func expectOutputs(method string, values []interface{}, n int) error {
	if len(values) < n {
		return fmt.Errorf("%s: expected %d outputs, got %d", method, n, len(values))
	}
	return nil
}

func ParseBigInt(v interface{}) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return new(big.Int), nil
		}
		return n, nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	default:
		return nil, fmt.Errorf("unexpected integer type %T", v)
	}
}

func ParseUint64(v interface{}) (uint64, error) {
	n, err := ParseBigInt(v)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("value %s overflows uint64", n)
	}
	return n.Uint64(), nil
}

func ParseUint8(v interface{}) (uint8, error) {
	if n, ok := v.(uint8); ok {
		return n, nil
	}
	n, err := ParseUint64(v)
	if err != nil {
		return 0, err
	}
	if n > 255 {
		return 0, fmt.Errorf("value %d overflows uint8", n)
	}
	return uint8(n), nil
}

func ParseString(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected string type %T", v)
	}
	return s, nil
}

func ParseStrings(v interface{}) ([]string, error) {
	s, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("unexpected string[] type %T", v)
	}
	return s, nil
}

func ParseBool(v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected bool type %T", v)
	}
	return b, nil
}

func ParseAddressValue(v interface{}) (common.Address, error) {
	a, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected address type %T", v)
	}
	return a, nil
}

// ParseBounty decodes the getBounty outputs.
func ParseBounty(id *big.Int, values []interface{}) (*Bounty, error) {
	if err := expectOutputs("getBounty", values, 6); err != nil {
		return nil, err
	}

	repo, err := ParseString(values[0])
	if err != nil {
		return nil, fmt.Errorf("parse repoFullName: %w", err)
	}
	issue, err := ParseUint64(values[1])
	if err != nil {
		return nil, fmt.Errorf("parse issueNumber: %w", err)
	}
	amount, err := ParseBigInt(values[2])
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	contributor, err := ParseAddressValue(values[3])
	if err != nil {
		return nil, fmt.Errorf("parse contributor: %w", err)
	}
	status, err := ParseUint8(values[4])
	if err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	createdAt, err := ParseUint64(values[5])
	if err != nil {
		return nil, fmt.Errorf("parse createdAt: %w", err)
	}

	return &Bounty{
		ID:          new(big.Int).Set(id),
		Repo:        repo,
		IssueNumber: issue,
		Amount:      amount,
		Contributor: contributor,
		Status:      BountyStatus(status),
		CreatedAt:   createdAt,
	}, nil
}

// ParseRepository decodes the getRepository outputs.
func ParseRepository(fullName string, values []interface{}) (*Repository, error) {
	if err := expectOutputs("getRepository", values, 4); err != nil {
		return nil, err
	}

	owner, err := ParseAddressValue(values[0])
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	cid, err := ParseString(values[1])
	if err != nil {
		return nil, fmt.Errorf("parse metadataCID: %w", err)
	}
	registeredAt, err := ParseUint64(values[2])
	if err != nil {
		return nil, fmt.Errorf("parse registeredAt: %w", err)
	}
	active, err := ParseBool(values[3])
	if err != nil {
		return nil, fmt.Errorf("parse active: %w", err)
	}

	return &Repository{
		FullName:     fullName,
		Owner:        owner,
		MetadataCID:  cid,
		RegisteredAt: registeredAt,
		Active:       active,
	}, nil
}
