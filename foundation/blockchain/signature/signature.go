// Package signature provides helper functions for handling the blockchain
// signature needs.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ardanID is an arbitrary number for signing messages. This will make it
// clear that the signature comes from the Ardan blockchain.
// Ethereum and Bitcoin do this as well, but they use the value of 27.
const ardanID = 29

// Set of error variables for signature checks.
var (
	ErrInvalidLength     = errors.New("invalid signature length")
	ErrInvalidRecoveryID = errors.New("invalid recovery id")
	ErrInvalidValues     = errors.New("invalid signature values")
)

// =============================================================================

// Sign uses the specified private key to sign the digest. The signature is
// returned in the 65 byte [R|S|V] format with the Ardan id added to V.
func Sign(digest chainhash.Hash, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	data := stamp(digest)

	sig, err := crypto.Sign(data, privateKey)
	if err != nil {
		return nil, err
	}

	// Check the public key extracted from the data and signature.
	publicKey, err := crypto.SigToPub(data, sig)
	if err != nil {
		return nil, err
	}

	rs := sig[:crypto.RecoveryIDOffset]
	if !crypto.VerifySignature(crypto.FromECDSAPub(publicKey), data, rs) {
		return nil, errors.New("invalid signature")
	}

	sig[crypto.RecoveryIDOffset] += ardanID

	return sig, nil
}

// VerifySignature verifies the signature conforms to our standards.
func VerifySignature(sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return ErrInvalidLength
	}

	// Check the recovery id is either 0 or 1.
	v := sig[crypto.RecoveryIDOffset] - ardanID
	if v != 0 && v != 1 {
		return ErrInvalidRecoveryID
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, false) {
		return ErrInvalidValues
	}

	return nil
}

// FromAddress extracts the address for the account that signed the digest.
// If a different digest is provided the wrong address comes back, so callers
// compare the result against the expected owner.
func FromAddress(digest chainhash.Hash, sig []byte) (string, error) {
	if err := VerifySignature(sig); err != nil {
		return "", err
	}

	raw := make([]byte, crypto.SignatureLength)
	copy(raw, sig)
	raw[crypto.RecoveryIDOffset] -= ardanID

	publicKey, err := crypto.SigToPub(stamp(digest), raw)
	if err != nil {
		return "", err
	}

	return crypto.PubkeyToAddress(*publicKey).String(), nil
}

// SignatureString returns the signature as a string.
func SignatureString(sig []byte) string {
	return hexutil.Encode(sig)
}

// Address returns the account address for the private key.
func Address(privateKey *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(privateKey.PublicKey).String()
}

// =============================================================================

// stamp returns a hash of 32 bytes that represents the digest with the Ardan
// stamp embedded so signatures produced here are unique to this chain.
func stamp(digest chainhash.Hash) []byte {
	prefix := []byte("\x19Ardan Signed Message:\n32")
	return crypto.Keccak256(prefix, digest[:])
}
