package tracer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftindexer/internal/crypto"
	"github.com/alanyoungcy/nftindexer/internal/domain"
)

const exchange = "0x00000000000000000000000000000000000000ee"

var (
	selBuy   = []byte{0x7d, 0x26, 0x27, 0x9c}
	selBatch = []byte{0x5e, 0xd1, 0xf9, 0xbb}
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func call(to string, sel []byte, arg byte) domain.CallFrame {
	return domain.CallFrame{Type: "CALL", To: to, Input: hexutil.Encode(append(append([]byte{}, sel...), arg))}
}

type fakeTraces struct {
	trace    *domain.CallFrame
	traceErr error
	top      *domain.CallFrame
	calls    int
}

func (f *fakeTraces) TransactionTrace(context.Context, string) (*domain.CallFrame, error) {
	f.calls++
	return f.trace, f.traceErr
}

func (f *fakeTraces) TransactionCall(context.Context, string) (*domain.CallFrame, error) {
	if f.top == nil {
		return nil, domain.ErrNotFound
	}
	return f.top, nil
}

// decodeArg yields one sale per call, or two for the batch selector.
func decodeArg(_ *domain.CallFrame, input []byte) ([]int, error) {
	arg := int(input[4])
	if string(input[:4]) == string(selBatch) {
		return []int{arg, arg + 1}, nil
	}
	return []int{arg}, nil
}

func testMatch() Match {
	return Match{To: exchange, Selectors: [][]byte{selBuy, selBatch}}
}

func TestSearchForCallPreOrder(t *testing.T) {
	root := &domain.CallFrame{
		Type: "CALL", To: "0x00000000000000000000000000000000000000a1",
		Calls: []domain.CallFrame{
			{Type: "CALL", To: "0x00000000000000000000000000000000000000a2", Calls: []domain.CallFrame{
				call(exchange, selBuy, 1),
			}},
			call(exchange, []byte{1, 2, 3, 4}, 9),
			{Type: "STATICCALL", To: exchange, Input: hexutil.Encode(append(selBuy, 8))},
			call(exchange, selBuy, 2),
		},
	}

	first, ok := SearchForCall(root, testMatch(), 0)
	require.True(t, ok)
	assert.Equal(t, hexutil.Encode(append(append([]byte{}, selBuy...), 1)), first.Input)

	second, ok := SearchForCall(root, testMatch(), 1)
	require.True(t, ok)
	assert.Equal(t, hexutil.Encode(append(append([]byte{}, selBuy...), 2)), second.Input)

	_, ok = SearchForCall(root, testMatch(), 2)
	assert.False(t, ok)
}

func TestSessionResolvesSequentialFillsInCallOrder(t *testing.T) {
	traces := &fakeTraces{trace: &domain.CallFrame{
		Type: "CALL", To: "0x00000000000000000000000000000000000000a1",
		Calls: []domain.CallFrame{call(exchange, selBuy, 10), call(exchange, selBuy, 20)},
	}}
	s := NewResolver(traces, testMatch(), decodeArg, discard()).NewSession()
	ctx := context.Background()

	a, err := s.Next(ctx, "0xtx")
	require.NoError(t, err)
	b, err := s.Next(ctx, "0xtx")
	require.NoError(t, err)
	assert.Equal(t, 10, a)
	assert.Equal(t, 20, b)
	assert.Equal(t, 1, traces.calls)

	_, err = s.Next(ctx, "0xtx")
	assert.ErrorIs(t, err, domain.ErrTraceUnavailable)
}

func TestSessionDrainsBatchCallBeforeNextCall(t *testing.T) {
	traces := &fakeTraces{trace: &domain.CallFrame{
		Type: "CALL", To: exchange, Input: hexutil.Encode(append(append([]byte{}, selBatch...), 1)),
		Calls: []domain.CallFrame{call(exchange, selBuy, 5)},
	}}
	s := NewResolver(traces, testMatch(), decodeArg, discard()).NewSession()

	var got []int
	for range 3 {
		v, err := s.Next(context.Background(), "0xtx")
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 5}, got)
}

func TestSessionFallsBackToDirectCall(t *testing.T) {
	top := call(exchange, selBuy, 7)
	traces := &fakeTraces{traceErr: errors.New("debug namespace disabled"), top: &top}
	s := NewResolver(traces, testMatch(), decodeArg, discard()).NewSession()

	v, err := s.Next(context.Background(), "0xtx")
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestSessionSkipsWhenTraceMissingAndCalledThroughRouter(t *testing.T) {
	top := call("0x00000000000000000000000000000000000000a1", selBuy, 7)
	traces := &fakeTraces{traceErr: errors.New("debug namespace disabled"), top: &top}
	s := NewResolver(traces, testMatch(), decodeArg, discard()).NewSession()

	_, err := s.Next(context.Background(), "0xtx")
	assert.ErrorIs(t, err, domain.ErrTraceUnavailable)
}

func TestSessionTimeoutIsTransient(t *testing.T) {
	traces := &fakeTraces{traceErr: context.DeadlineExceeded}
	s := NewResolver(traces, testMatch(), decodeArg, discard()).NewSession()

	_, err := s.Next(context.Background(), "0xtx")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrTraceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// testOrder signs keccak(master || nonce) under a fixed domain.
type testOrder struct {
	maker common.Address
	nonce *big.Int
	sig   []byte
}

var testDomain = crypto.Domain{Name: "Test", Version: "1", ChainID: 1, VerifyingContract: common.HexToAddress(exchange)}

func structHash(master, nonce *big.Int) []byte {
	return crypto.StructHash(crypto.TypeHash("Order(uint256 masterNonce,uint256 nonce)"), crypto.UintWord(master), crypto.UintWord(nonce))
}

func (o testOrder) Maker() string        { return o.maker.Hex() }
func (o testOrder) OrderNonce() *big.Int { return o.nonce }
func (o testOrder) Signature() []byte    { return o.sig }
func (o testOrder) Hash(master *big.Int) (string, []byte) {
	digest := crypto.Digest(testDomain.Separator(), structHash(master, o.nonce))
	return hexutil.Encode(ethcrypto.Keccak256(digest)), digest
}

func signedOrder(t *testing.T, master int64) testOrder {
	t.Helper()
	signer, err := crypto.NewSigner("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	o := testOrder{maker: signer.Address(), nonce: big.NewInt(42)}
	o.sig, err = signer.SignTyped(testDomain, structHash(big.NewInt(master), o.nonce))
	require.NoError(t, err)
	return o
}

type fakeIndex struct {
	id     string
	master *big.Int
}

func (f fakeIndex) FindByNonce(context.Context, domain.OrderKind, string, *big.Int) (string, *big.Int, error) {
	if f.id == "" {
		return "", nil, domain.ErrNotFound
	}
	return f.id, f.master, nil
}

type fakeNonces int64

func (f fakeNonces) MasterNonce(context.Context, domain.OrderKind, string) (*big.Int, error) {
	return big.NewInt(int64(f)), nil
}

func TestVerifierPrefersNonceIndex(t *testing.T) {
	o := signedOrder(t, 3)
	want, _ := o.Hash(big.NewInt(3))

	v := NewVerifier(domain.KindPaymentProcessor, fakeIndex{id: want, master: big.NewInt(3)}, fakeNonces(1000), 2)
	got, err := v.Resolve(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestVerifierSearchesDownFromCurrentMasterNonce(t *testing.T) {
	o := signedOrder(t, 3)
	want, _ := o.Hash(big.NewInt(3))

	v := NewVerifier(domain.KindPaymentProcessor, fakeIndex{}, fakeNonces(5), 0)
	got, err := v.Resolve(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestVerifierGivesUpOutsideWindow(t *testing.T) {
	o := signedOrder(t, 3)

	v := NewVerifier(domain.KindPaymentProcessor, fakeIndex{}, fakeNonces(10), 4)
	got, err := v.Resolve(context.Background(), o)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVerifierIgnoresIndexHitWithDifferentHash(t *testing.T) {
	o := signedOrder(t, 0)
	want, _ := o.Hash(big.NewInt(0))

	v := NewVerifier(domain.KindPaymentProcessor, fakeIndex{id: "0xother", master: big.NewInt(0)}, fakeNonces(0), 1)
	got, err := v.Resolve(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

type memTraceIndex map[string]string

func (m memTraceIndex) RecordTrace(_ context.Context, tx, path string) error {
	m[tx] = path
	return nil
}

func (m memTraceIndex) TracePath(_ context.Context, tx string) (string, error) {
	if p, ok := m[tx]; ok {
		return p, nil
	}
	return "", domain.ErrNotFound
}

type memTraceArchive map[string]*domain.CallFrame

func (m memTraceArchive) ArchiveTrace(_ context.Context, tx string, trace *domain.CallFrame) (string, error) {
	path := "traces/" + tx + ".json"
	m[path] = trace
	return path, nil
}

func (m memTraceArchive) LoadTrace(_ context.Context, path string) (*domain.CallFrame, error) {
	if t, ok := m[path]; ok {
		return t, nil
	}
	return nil, domain.ErrNotFound
}

func TestArchivedTracesFetchOnce(t *testing.T) {
	node := &fakeTraces{trace: &domain.CallFrame{Type: "CALL", To: exchange}}
	index, archive := memTraceIndex{}, memTraceArchive{}
	traces := NewArchivedTraces(node, index, archive, discard())

	first, err := traces.TransactionTrace(context.Background(), "0xaa")
	require.NoError(t, err)
	second, err := traces.TransactionTrace(context.Background(), "0xaa")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, node.calls)
	assert.Equal(t, "traces/0xaa.json", index["0xaa"])
}

func TestArchivedTracesRefetchWhenBlobIsGone(t *testing.T) {
	node := &fakeTraces{trace: &domain.CallFrame{Type: "CALL", To: exchange}}
	index := memTraceIndex{"0xaa": "traces/lost.json"}
	traces := NewArchivedTraces(node, index, memTraceArchive{}, discard())

	got, err := traces.TransactionTrace(context.Background(), "0xaa")
	require.NoError(t, err)
	assert.Equal(t, exchange, got.To)
	assert.Equal(t, 1, node.calls)
}
