package intent

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// HashMessage creates an Ethereum signed message hash.
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's address from a message and signature.
// signature should be hex-encoded, 65 bytes (r[32] + s[32] + v[1]).
func RecoverAddress(message string, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}

	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Ethereum signatures have v = 27 or 28, but Ecrecover expects 0 or 1
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	messageHash := HashMessage(message)

	pubKeyBytes, err := crypto.Ecrecover(messageHash, signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	address := crypto.PubkeyToAddress(*pubKey)
	return strings.ToLower(address.Hex()), nil
}

// VerifySignature verifies that a signature was created by the expected address.
func VerifySignature(message string, signatureHex string, expectedAddress string) error {
	recoveredAddr, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	if !strings.EqualFold(recoveredAddr, expectedAddress) {
		return fmt.Errorf("signature mismatch: expected %s, got %s", expectedAddress, recoveredAddr)
	}

	return nil
}

// Sign signs the message with the given hex private key. Test and tooling
// helper; the service itself never holds sender keys.
func Sign(message string, privateKeyHex string) (string, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}

	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	// Normalize v to 27/28 for parity with wallet signatures.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}
