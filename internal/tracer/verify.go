package tracer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/alanyoungcy/nftindexer/internal/crypto"
	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// DefaultNonceWindow bounds the master-nonce brute force.
const DefaultNonceWindow = 16

// Candidate is an order rebuilt from calldata whose master nonce is not
// part of the calldata.
type Candidate interface {
	Maker() string
	// OrderNonce is the per-order nonce stored on the order row.
	OrderNonce() *big.Int
	// Hash returns the order id and the EIP-712 digest the maker signed,
	// assuming masterNonce.
	Hash(masterNonce *big.Int) (id string, digest []byte)
	Signature() []byte
}

// NonceIndex looks up stored orders by maker and per-order nonce and
// reports the master nonce they were signed with.
type NonceIndex interface {
	FindByNonce(ctx context.Context, kind domain.OrderKind, maker string, nonce *big.Int) (id string, masterNonce *big.Int, err error)
}

// MasterNonces returns a maker's current master nonce.
type MasterNonces interface {
	MasterNonce(ctx context.Context, kind domain.OrderKind, maker string) (*big.Int, error)
}

// Verifier finds the id of a rebuilt order by checking its signature.
type Verifier struct {
	kind   domain.OrderKind
	index  NonceIndex
	nonces MasterNonces
	window int
}

// NewVerifier creates a Verifier. A window below one uses DefaultNonceWindow.
func NewVerifier(kind domain.OrderKind, index NonceIndex, nonces MasterNonces, window int) *Verifier {
	if window < 1 {
		window = DefaultNonceWindow
	}
	return &Verifier{kind: kind, index: index, nonces: nonces, window: window}
}

// Resolve returns the order id of c, or "" when neither the nonce index nor
// the bounded master-nonce search yields a hash signed by the maker.
func (v *Verifier) Resolve(ctx context.Context, c Candidate) (string, error) {
	maker := strings.ToLower(c.Maker())

	id, master, err := v.index.FindByNonce(ctx, v.kind, maker, c.OrderNonce())
	switch {
	case err == nil:
		if got, digest := c.Hash(master); got == id && signedBy(digest, c.Signature(), maker) {
			return id, nil
		}
	case !errors.Is(err, domain.ErrNotFound):
		return "", fmt.Errorf("tracer: nonce index: %w", err)
	}

	current, err := v.nonces.MasterNonce(ctx, v.kind, maker)
	if err != nil {
		return "", fmt.Errorf("tracer: master nonce: %w", err)
	}
	n := new(big.Int).Set(current)
	for i := 0; i < v.window && n.Sign() >= 0; i++ {
		if got, digest := c.Hash(n); signedBy(digest, c.Signature(), maker) {
			return got, nil
		}
		n.Sub(n, big.NewInt(1))
	}
	return "", nil
}

func signedBy(digest, sig []byte, maker string) bool {
	signer, err := crypto.RecoverSigner(digest, sig)
	if err != nil {
		return false
	}
	return strings.EqualFold(signer.Hex(), maker)
}
