package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownEvent is returned for logs whose topic matches no known event.
var ErrUnknownEvent = errors.New("chain: unknown event")

// Event names emitted by the contracts.
const (
	EventPoolDonation         = "PoolDonation"
	EventBountyCreated        = "BountyCreated"
	EventBountyReleased       = "BountyReleased"
	EventBountyCancelled      = "BountyCancelled"
	EventRepositoryRegistered = "RepositoryRegistered"
)

// Event is a decoded contract log.
type Event interface {
	EventName() string
	RawLog() types.Log
}

type rawEvent struct {
	Raw types.Log
}

func (e rawEvent) RawLog() types.Log { return e.Raw }

// PoolDonationEvent: PoolDonation(donor indexed, repoFullName, amount)
type PoolDonationEvent struct {
	rawEvent
	Donor        common.Address
	RepoFullName string
	Amount       *big.Int
}

func (PoolDonationEvent) EventName() string { return EventPoolDonation }

// BountyCreatedEvent: BountyCreated(bountyId indexed, repoFullName, issueNumber, amount)
type BountyCreatedEvent struct {
	rawEvent
	BountyID     *big.Int
	RepoFullName string
	IssueNumber  uint64
	Amount       *big.Int
}

func (BountyCreatedEvent) EventName() string { return EventBountyCreated }

// BountyReleasedEvent: BountyReleased(bountyId indexed, contributor indexed, amount)
type BountyReleasedEvent struct {
	rawEvent
	BountyID    *big.Int
	Contributor common.Address
	Amount      *big.Int
}

func (BountyReleasedEvent) EventName() string { return EventBountyReleased }

// BountyCancelledEvent: BountyCancelled(bountyId indexed, amount)
type BountyCancelledEvent struct {
	rawEvent
	BountyID *big.Int
	Amount   *big.Int
}

func (BountyCancelledEvent) EventName() string { return EventBountyCancelled }

// RepositoryRegisteredEvent: RepositoryRegistered(owner indexed, repoFullName, metadataCID)
type RepositoryRegisteredEvent struct {
	rawEvent
	Owner        common.Address
	RepoFullName string
	MetadataCID  string
}

func (RepositoryRegisteredEvent) EventName() string { return EventRepositoryRegistered }

// EscrowTopics returns the topic0 values of all escrow events.
func EscrowTopics() []common.Hash {
	return eventTopics(EscrowABI(), EventPoolDonation, EventBountyCreated, EventBountyReleased, EventBountyCancelled)
}

// RegistryTopics returns the topic0 values of all registry events.
func RegistryTopics() []common.Hash {
	return eventTopics(RegistryABI(), EventRepositoryRegistered)
}

func eventTopics(contractABI *abi.ABI, names ...string) []common.Hash {
	out := make([]common.Hash, 0, len(names))
	for _, name := range names {
		out = append(out, contractABI.Events[name].ID)
	}
	return out
}

// =============================================================================
// Log Parsers
// =============================================================================

// ParseEscrowLog decodes a BountyEscrow log.
func ParseEscrowLog(lg types.Log) (Event, error) {
	ev, values, err := decodeLog(EscrowABI(), lg)
	if err != nil {
		return nil, err
	}
	raw := rawEvent{Raw: lg}

	switch ev.Name {
	case EventPoolDonation:
		if err := expectTopics(ev.Name, lg, 2); err != nil {
			return nil, err
		}
		repo, amount, err := stringAndAmount(values)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", ev.Name, err)
		}
		return &PoolDonationEvent{
			rawEvent:     raw,
			Donor:        common.BytesToAddress(lg.Topics[1].Bytes()),
			RepoFullName: repo,
			Amount:       amount,
		}, nil

	case EventBountyCreated:
		if err := expectTopics(ev.Name, lg, 2); err != nil {
			return nil, err
		}
		if err := expectOutputs(ev.Name, values, 3); err != nil {
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
		return &BountyCreatedEvent{
			rawEvent:     raw,
			BountyID:     new(big.Int).SetBytes(lg.Topics[1].Bytes()),
			RepoFullName: repo,
			IssueNumber:  issue,
			Amount:       amount,
		}, nil

	case EventBountyReleased:
		if err := expectTopics(ev.Name, lg, 3); err != nil {
			return nil, err
		}
		if err := expectOutputs(ev.Name, values, 1); err != nil {
			return nil, err
		}
		amount, err := ParseBigInt(values[0])
		if err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		return &BountyReleasedEvent{
			rawEvent:    raw,
			BountyID:    new(big.Int).SetBytes(lg.Topics[1].Bytes()),
			Contributor: common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount:      amount,
		}, nil

	case EventBountyCancelled:
		if err := expectTopics(ev.Name, lg, 2); err != nil {
			return nil, err
		}
		if err := expectOutputs(ev.Name, values, 1); err != nil {
			return nil, err
		}
		amount, err := ParseBigInt(values[0])
		if err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		return &BountyCancelledEvent{
			rawEvent: raw,
			BountyID: new(big.Int).SetBytes(lg.Topics[1].Bytes()),
			Amount:   amount,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
}

// ParseRegistryLog decodes a RepoRegistry log.
func ParseRegistryLog(lg types.Log) (Event, error) {
	ev, values, err := decodeLog(RegistryABI(), lg)
	if err != nil {
		return nil, err
	}
	if ev.Name != EventRepositoryRegistered {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
	}
	if err := expectTopics(ev.Name, lg, 2); err != nil {
		return nil, err
	}
	if err := expectOutputs(ev.Name, values, 2); err != nil {
		return nil, err
	}
	repo, err := ParseString(values[0])
	if err != nil {
		return nil, fmt.Errorf("parse repoFullName: %w", err)
	}
	cid, err := ParseString(values[1])
	if err != nil {
		return nil, fmt.Errorf("parse metadataCID: %w", err)
	}
	return &RepositoryRegisteredEvent{
		rawEvent:     rawEvent{Raw: lg},
		Owner:        common.BytesToAddress(lg.Topics[1].Bytes()),
		RepoFullName: repo,
		MetadataCID:  cid,
	}, nil
}

func decodeLog(contractABI *abi.ABI, lg types.Log) (*abi.Event, []interface{}, error) {
	if len(lg.Topics) == 0 {
		return nil, nil, fmt.Errorf("%w: log has no topics", ErrUnknownEvent)
	}
	ev, err := contractABI.EventByID(lg.Topics[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEvent, lg.Topics[0].Hex())
	}
	values, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack %s: %w", ev.Name, err)
	}
	return ev, values, nil
}

func expectTopics(name string, lg types.Log, n int) error {
	if len(lg.Topics) < n {
		return fmt.Errorf("%s: expected %d topics, got %d", name, n, len(lg.Topics))
	}
	return nil
}

func stringAndAmount(values []interface{}) (string, *big.Int, error) {
	if len(values) < 2 {
		return "", nil, fmt.Errorf("expected 2 values, got %d", len(values))
	}
	s, err := ParseString(values[0])
	if err != nil {
		return "", nil, err
	}
	n, err := ParseBigInt(values[1])
	if err != nil {
		return "", nil, err
	}
	return s, n, nil
}
