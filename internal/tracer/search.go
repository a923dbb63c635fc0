// Package tracer recovers the order behind a fill log whose event does not
// carry the order hash, by locating the exchange call that produced the log
// in the transaction's call trace and decoding its calldata.
package tracer

import (
	"bytes"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// Match selects call frames.
type Match struct {
	To        string
	Type      string // defaults to CALL
	Selectors [][]byte
}

func (m Match) matches(f *domain.CallFrame) bool {
	typ := m.Type
	if typ == "" {
		typ = "CALL"
	}
	if !strings.EqualFold(f.Type, typ) || !strings.EqualFold(f.To, m.To) {
		return false
	}
	if len(m.Selectors) == 0 {
		return true
	}
	input, err := hexutil.Decode(f.Input)
	if err != nil || len(input) < 4 {
		return false
	}
	for _, sel := range m.Selectors {
		if bytes.Equal(input[:4], sel) {
			return true
		}
	}
	return false
}

// SearchForCall walks the trace depth-first in execution order and returns
// the rank-th (zero based) frame matching m.
func SearchForCall(root *domain.CallFrame, m Match, rank int) (*domain.CallFrame, bool) {
	if root == nil || rank < 0 {
		return nil, false
	}
	seen := 0
	var found *domain.CallFrame
	var walk func(f *domain.CallFrame) bool
	walk = func(f *domain.CallFrame) bool {
		if m.matches(f) {
			if seen == rank {
				found = f
				return true
			}
			seen++
		}
		for i := range f.Calls {
			if walk(&f.Calls[i]) {
				return true
			}
		}
		return false
	}
	walk(root)
	return found, found != nil
}
