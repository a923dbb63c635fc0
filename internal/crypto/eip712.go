// Package crypto implements the EIP-712 hashing and signer recovery used to
// tie on-chain sales back to signed orders.
package crypto

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
var eip712DomainTypeHash = ethcrypto.Keccak256(
	[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
)

// Domain is an EIP-712 signing domain bound to a verifying contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// Separator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func (d Domain) Separator() []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(d.Name)),
			ethcrypto.Keccak256([]byte(d.Version)),
			bigIntTo32Bytes(big.NewInt(d.ChainID)),
			AddressWord(d.VerifyingContract),
		),
	)
}

// TypeHash hashes a canonical EIP-712 type string.
func TypeHash(typ string) []byte {
	return ethcrypto.Keccak256([]byte(typ))
}

// StructHash hashes a type hash followed by its encoded fields.
func StructHash(typeHash []byte, words ...[]byte) []byte {
	return ethcrypto.Keccak256(concatBytes(append([][]byte{typeHash}, words...)...))
}

// Digest computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func Digest(domainSep, structHash []byte) []byte {
	return eip712Hash(domainSep, structHash)
}

func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// UintWord encodes n as a 32-byte word. nil encodes as zero.
func UintWord(n *big.Int) []byte {
	if n == nil {
		return make([]byte, 32)
	}
	return bigIntTo32Bytes(n)
}

// AddressWord left-pads an address to 32 bytes.
func AddressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// BoolWord encodes b as a 32-byte word.
func BoolWord(b bool) []byte {
	if b {
		return bigIntTo32Bytes(big.NewInt(1))
	}
	return make([]byte, 32)
}

// Signature joins v, r and s into the 65-byte r || s || v form.
func Signature(v uint8, r, s [32]byte) []byte {
	return concatBytes(r[:], s[:], []byte{v})
}

// RecoverSigner returns the address that produced sig over digest. Both
// {0,1} and {27,28} recovery ids are accepted.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto: signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, errors.New("crypto: invalid recovery id")
	}

	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
