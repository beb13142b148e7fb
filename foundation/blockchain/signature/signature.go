// Package signature provides secp256k1 key handling and message signing for
// the node's key tooling.
package signature

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Set of error variables for signature handling.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("signature not produced by this key")
)

// KeyPair holds the hex encoding of a generated key pair. The public key is
// the 33 byte compressed form.
type KeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
	Address    string `json:"address"`
}

// GenerateKey creates a new secp256k1 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// Describe returns the hex encoding of the key pair.
func Describe(privateKey *ecdsa.PrivateKey) KeyPair {
	return KeyPair{
		PrivateKey: hexutil.Encode(crypto.FromECDSA(privateKey)),
		PublicKey:  PublicKeyHex(&privateKey.PublicKey),
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey).String(),
	}
}

// PublicKeyHex returns the compressed public key as hex.
func PublicKeyHex(publicKey *ecdsa.PublicKey) string {
	return hexutil.Encode(crypto.CompressPubkey(publicKey))
}

// Hash returns the 32 byte sha256 digest of the message that gets signed.
func Hash(message string) []byte {
	sum := sha256.Sum256([]byte(message))
	return sum[:]
}

// Sign uses the private key to sign the message and returns the 65 byte
// [R|S|V] signature as hex.
func Sign(message string, privateKey *ecdsa.PrivateKey) (string, error) {
	digest := Hash(message)

	sig, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	// Check the signature against the key that produced it.
	if !crypto.VerifySignature(crypto.FromECDSAPub(&privateKey.PublicKey), digest, sig[:crypto.RecoveryIDOffset]) {
		return "", ErrInvalidSignature
	}

	return hexutil.Encode(sig), nil
}

// FromAddress recovers the address of the account that signed the message.
func FromAddress(message string, sigHex string) (string, error) {
	sig, err := decode(sigHex)
	if err != nil {
		return "", err
	}

	publicKey, err := crypto.SigToPub(Hash(message), sig)
	if err != nil {
		return "", fmt.Errorf("recover: %w", err)
	}

	return crypto.PubkeyToAddress(*publicKey).String(), nil
}

// Verify checks the signature was produced over the message by the holder
// of the public key.
func Verify(message string, sigHex string, publicKey *ecdsa.PublicKey) error {
	sig, err := decode(sigHex)
	if err != nil {
		return err
	}

	if !crypto.VerifySignature(crypto.FromECDSAPub(publicKey), Hash(message), sig[:crypto.RecoveryIDOffset]) {
		return ErrSignerMismatch
	}

	return nil
}

// decode converts a hex signature back into its 65 bytes and checks the
// signature values.
func decode(sigHex string) ([]byte, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}

	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])

	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], r, s, false) {
		return nil, fmt.Errorf("%w: signature values", ErrInvalidSignature)
	}

	return sig, nil
}
