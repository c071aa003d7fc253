package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSignatureMismatch is returned when a signature recovers to another address.
var ErrSignatureMismatch = errors.New("chain: signature does not match address")

// VerifyPersonalSignature checks an EIP-191 personal_sign signature over
// message against address. Recovery ids 0/1 and 27/28 are both accepted.
func VerifyPersonalSignature(address, message, signature string) error {
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}

	sigHex := strings.TrimSpace(signature)
	if !strings.HasPrefix(sigHex, "0x") {
		sigHex = "0x" + sigHex
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return fmt.Errorf("invalid recovery id %d", sig[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("recover public key: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return ErrSignatureMismatch
	}
	return nil
}

// SignPersonalMessage produces the signature a wallet would return from
// personal_sign (recovery id 27/28).
func SignPersonalMessage(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
