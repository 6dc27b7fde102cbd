package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feltledger/submission-gateway/pkgs/submissions"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	gameAddr     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	playerA      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	playerB      = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeBackend struct {
	mu        sync.Mutex
	head      uint64
	sent      []*types.Transaction
	status    uint64
	sendErr   error
	callOut   map[string][]byte
	logs      []types.Log
	filterErr error
	queries   []ethereum.FilterQuery
	receipts  map[common.Hash]*types.Receipt
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		status:   types.ReceiptStatusSuccessful,
		callOut:  make(map[string][]byte),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	out, ok := f.callOut[common.Bytes2Hex(msg.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:      f.status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(int64(10 + len(f.sent))),
		GasUsed:     42000,
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) CodeAt(ctx context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	return f.logs, nil
}

func newTestClient(t *testing.T, backend Backend) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	c, err := New(backend, Config{
		ChainID:    10143,
		Contract:   contractAddr,
		Game:       gameAddr,
		PrivateKey: common.Bytes2Hex(crypto.FromECDSA(key)),
	})
	require.NoError(t, err)
	return c
}

func TestRecordHand_PacksArgumentsAndConfirms(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	sub := &submissions.HandSubmission{
		Players:   []common.Address{playerA, playerB},
		Outcomes:  []bool{true, false},
		HandID:    7,
		TableID:   3,
		DeckID:    "deck-abc",
		RequestID: "r1",
	}
	receipt, err := c.RecordHand(context.Background(), sub)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), receipt.TxHash)
	assert.Equal(t, uint64(11), receipt.BlockNumber)
	assert.Equal(t, uint64(42000), receipt.GasUsed)
	assert.Equal(t, uint64(120000), tx.Gas())
	assert.Equal(t, contractAddr, *tx.To())

	method := c.abi.Methods[MethodRecordHand]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, []common.Address{playerA, playerB}, args[0])
	assert.Equal(t, []bool{true, false}, args[1])
	assert.Equal(t, big.NewInt(7), args[2])
	assert.Equal(t, big.NewInt(3), args[3])
	assert.Equal(t, [32]byte(DeckCommitment("deck-abc")), args[4])
	assert.Equal(t, [32]byte(RequestHash("r1")), args[5])
}

func TestUpdatePlayerData_RevertedReceipt(t *testing.T) {
	backend := newFakeBackend()
	backend.status = types.ReceiptStatusFailed
	c := newTestClient(t, backend)

	_, err := c.UpdatePlayerData(context.Background(), &submissions.ScoreSubmission{
		Player: playerA, ScoreDelta: 5, TransactionDelta: 1, RequestID: "s1",
	})
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, ClassReverted, werr.Class)
	assert.NotEmpty(t, werr.TxHash)
}

func TestUpdatePlayerData_SendFailureIsClassified(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("insufficient funds for gas * price + value")
	c := newTestClient(t, backend)

	_, err := c.UpdatePlayerData(context.Background(), &submissions.ScoreSubmission{
		Player: playerA, ScoreDelta: 1, TransactionDelta: 1, RequestID: "s2",
	})
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, ClassInsufficientFunds, werr.Class)
	assert.Empty(t, werr.TxHash)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  string
		want WriteClass
	}{
		{"insufficient funds for transfer", ClassInsufficientFunds},
		{"execution reverted: Ownable: caller is not the owner", ClassAccessDenied},
		{"execution reverted: AccessControl: account is missing role", ClassAccessDenied},
		{"execution reverted: bad hand", ClassReverted},
		{"connection refused", ClassGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(errors.New(tt.err)))
		})
	}
	assert.Equal(t, ClassReverted, Classify(ErrReverted))
}

func TestReadMetric_ScopeSelectsAccessor(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	pack := func(method string, v int64) {
		m := c.abi.Methods[method]
		out, err := m.Outputs.Pack(big.NewInt(v))
		require.NoError(t, err)
		backend.callOut[common.Bytes2Hex(m.ID)] = out
	}
	pack(MethodGameScore, 12)
	pack(MethodGameTransactions, 4)
	pack(MethodTotalScore, 99)

	ctx := context.Background()
	v, err := c.ReadMetric(ctx, ScopeCompetition, MetricScore, playerA)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), v)

	v, err = c.ReadMetric(ctx, ScopeCompetition, MetricTransactions, playerA)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)

	v, err = c.ReadMetric(ctx, ScopeGlobal, MetricScore, playerA)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), v)

	_, err = c.ReadMetric(ctx, ScopeGlobal, MetricTransactions, playerA)
	assert.Error(t, err)
}

func playerLog(c *Client, player common.Address, score, txs int64, block uint64) types.Log {
	data := append(common.LeftPadBytes(big.NewInt(score).Bytes(), 32), common.LeftPadBytes(big.NewInt(txs).Bytes(), 32)...)
	return types.Log{
		Address:     contractAddr,
		Topics:      []common.Hash{c.playerUpdatedSig, common.BytesToHash(gameAddr.Bytes()), common.BytesToHash(player.Bytes())},
		Data:        data,
		BlockNumber: block,
	}
}

func TestPlayerEvents_FiltersByGameAndDecodes(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)
	backend.logs = []types.Log{
		playerLog(c, playerA, 1, 1, 5),
		{Address: contractAddr, Topics: []common.Hash{c.playerUpdatedSig}},
		playerLog(c, playerB, 0, 1, 6),
	}

	events, err := c.PlayerEvents(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, playerA, events[0].Player)
	assert.Equal(t, gameAddr, events[0].Game)
	assert.Equal(t, "1", events[0].ScoreAmount)
	assert.Equal(t, playerB, events[1].Player)

	require.Len(t, backend.queries, 1)
	q := backend.queries[0]
	assert.Equal(t, int64(1), q.FromBlock.Int64())
	assert.Equal(t, int64(100), q.ToBlock.Int64())
	assert.Equal(t, common.BytesToHash(gameAddr.Bytes()), q.Topics[1][0])
}

func TestAuditReceipt_DecodesLedgerEvents(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	ev := c.abi.Events[EventHandRecorded]
	data, err := ev.Inputs.NonIndexed().Pack(
		[32]byte(DeckCommitment("deck-abc")),
		[32]byte(RequestHash("r1")),
		[]common.Address{playerA, playerB},
		[]bool{true, false},
	)
	require.NoError(t, err)

	txHash := common.HexToHash("0xabc")
	pl := playerLog(c, playerA, 1, 1, 9)
	backend.receipts[txHash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(9),
		Logs: []*types.Log{
			{
				Address: contractAddr,
				Topics:  []common.Hash{c.handRecordedSig, common.BigToHash(big.NewInt(7)), common.BigToHash(big.NewInt(3))},
				Data:    data,
			},
			&pl,
			{Address: common.HexToAddress("0xdead"), Topics: []common.Hash{c.handRecordedSig}},
		},
	}

	audit, err := c.AuditReceipt(context.Background(), txHash)
	require.NoError(t, err)
	require.Len(t, audit.Hands, 1)
	assert.Equal(t, "7", audit.Hands[0].HandID)
	assert.Equal(t, "3", audit.Hands[0].TableID)
	assert.Equal(t, RequestHash("r1").Hex(), audit.Hands[0].RequestID)
	assert.Equal(t, []bool{true, false}, audit.Hands[0].Outcomes)
	assert.Len(t, audit.PlayerUpdates, 1)
	assert.Equal(t, 1, audit.Unrecognized)

	_, err = c.AuditReceipt(context.Background(), common.HexToHash("0xdef"))
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}

func TestDeckCommitment(t *testing.T) {
	raw := "0x" + common.Bytes2Hex(crypto.Keccak256([]byte("x")))
	assert.Equal(t, common.HexToHash(raw), DeckCommitment(raw))
	assert.Equal(t, crypto.Keccak256Hash([]byte("deck")), DeckCommitment("deck"))
}

func TestParseScope(t *testing.T) {
	s, ok := ParseScope("")
	assert.True(t, ok)
	assert.Equal(t, ScopeCompetition, s)

	s, ok = ParseScope("GLOBAL")
	assert.True(t, ok)
	assert.Equal(t, ScopeGlobal, s)

	_, ok = ParseScope("weekly")
	assert.False(t, ok)
}
