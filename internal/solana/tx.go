package solana

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	signatureSize = 64
	blockhashSize = 32

	// systemTransfer is the System Program instruction index of Transfer.
	systemTransfer = 2
)

// ErrSignerNotRequired is returned when the signer's key is not among the
// message's required signers.
var ErrSignerNotRequired = errors.New("signer is not a required signer of the transaction")

// SignTransaction fills the signer's slot of a serialized transaction
// (legacy or v0) and returns the signed transaction in base64 together with
// the base58 signature placed in that slot. The network identifies a
// transaction by its fee payer's signature (slot 0), so the returned
// signature is the transaction id when the signer pays the fee.
//
// Wire layout: shortvec(numSigs) | sig[64]*numSigs | message, where the
// message starts with an optional 0x80|version byte followed by the header
// (numRequiredSignatures, numReadonlySigned, numReadonlyUnsigned) and
// shortvec(numKeys) | key[32]*numKeys.
func SignTransaction(txBase64 string, signer Signer) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", "", fmt.Errorf("decode transaction: %w", err)
	}

	numSigs, n, err := decodeShortVec(raw)
	if err != nil {
		return "", "", fmt.Errorf("signature count: %w", err)
	}
	sigStart := n
	msgStart := sigStart + numSigs*signatureSize
	if msgStart > len(raw) {
		return "", "", errors.New("transaction truncated in signatures")
	}
	message := raw[msgStart:]

	pos := 0
	if len(message) > 0 && message[0]&0x80 != 0 {
		pos++ // versioned message prefix
	}
	if pos+3 > len(message) {
		return "", "", errors.New("transaction truncated in header")
	}
	required := int(message[pos])
	pos += 3

	numKeys, n, err := decodeShortVec(message[pos:])
	if err != nil {
		return "", "", fmt.Errorf("account key count: %w", err)
	}
	pos += n
	if pos+numKeys*PublicKeySize > len(message) {
		return "", "", errors.New("transaction truncated in account keys")
	}
	if required > numKeys || required != numSigs {
		return "", "", fmt.Errorf("header requires %d signatures, transaction carries %d", required, numSigs)
	}

	pub := signer.PublicKey()
	index := -1
	for i := 0; i < required; i++ {
		key := message[pos+i*PublicKeySize : pos+(i+1)*PublicKeySize]
		if bytes.Equal(key, pub) {
			index = i
			break
		}
	}
	if index < 0 {
		return "", "", ErrSignerNotRequired
	}

	sig := signer.Sign(message)
	if len(sig) != signatureSize {
		return "", "", fmt.Errorf("signature must be %d bytes, got %d", signatureSize, len(sig))
	}

	signed := make([]byte, len(raw))
	copy(signed, raw)
	copy(signed[sigStart+index*signatureSize:], sig)

	return base64.StdEncoding.EncodeToString(signed), base58.Encode(sig), nil
}

// decodeShortVec reads Solana's compact-u16 length prefix.
func decodeShortVec(b []byte) (int, int, error) {
	var v, shift int
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("short vec truncated")
		}
		v |= int(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("short vec too long")
}

// encodeShortVec writes n as a compact-u16.
func encodeShortVec(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// NewUnsignedTransaction wraps a serialized message with empty signature
// slots, one per required signer declared in its header.
func NewUnsignedTransaction(message []byte) (string, error) {
	pos := 0
	if len(message) > 0 && message[0]&0x80 != 0 {
		pos++
	}
	if pos+3 > len(message) {
		return "", errors.New("message truncated in header")
	}
	required := int(message[pos])

	out := encodeShortVec(required)
	out = append(out, make([]byte, required*signatureSize)...)
	out = append(out, message...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// LegacyMessage serializes a message with the given header and account keys
// and no instructions. Used to build transactions for dry runs and tests.
func LegacyMessage(numRequired, numReadonlySigned, numReadonlyUnsigned byte, blockhash []byte, keys ...[]byte) []byte {
	msg := []byte{numRequired, numReadonlySigned, numReadonlyUnsigned}
	msg = append(msg, encodeShortVec(len(keys))...)
	for _, k := range keys {
		msg = append(msg, k...)
	}
	msg = append(msg, blockhash...)
	msg = append(msg, encodeShortVec(0)...)
	return msg
}

// TransferMessage serializes a legacy message that moves lamports from one
// account to another through the System Program. from is the only signer
// and pays the fee.
func TransferMessage(from, to []byte, lamports uint64, blockhash []byte) ([]byte, error) {
	if len(from) != PublicKeySize || len(to) != PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	if len(blockhash) != blockhashSize {
		return nil, fmt.Errorf("blockhash must be %d bytes, got %d", blockhashSize, len(blockhash))
	}
	systemProgram := make([]byte, PublicKeySize)

	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, systemTransfer)
	binary.LittleEndian.PutUint64(data[4:], lamports)

	msg := LegacyMessage(1, 0, 1, blockhash, from, to, systemProgram)
	msg = msg[:len(msg)-1] // drop the empty instruction list
	msg = append(msg, encodeShortVec(1)...)
	msg = append(msg, 2) // program id index
	msg = append(msg, encodeShortVec(2)...)
	msg = append(msg, 0, 1)
	msg = append(msg, encodeShortVec(len(data))...)
	msg = append(msg, data...)
	return msg, nil
}
