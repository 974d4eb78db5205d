package ledger_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rewardpool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/utils/pkg/retry"
	pooltesting "github.com/malbeclabs/rewardpool/utils/pkg/testing"
)

type mockRPCClient struct {
	ledger.RPCClient

	GetAccountInfoFunc             func(context.Context, solana.PublicKey) (*solanarpc.GetAccountInfoResult, error)
	GetBalanceFunc                 func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetTransactionFunc             func(context.Context, solana.Signature, *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error)
	GetProgramAccountsWithOptsFunc func(context.Context, solana.PublicKey, *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	GetLatestBlockhashFunc         func(context.Context, solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOptsFunc    func(context.Context, *solana.Transaction, solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatusesFunc       func(context.Context, bool, ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
}

func (m *mockRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
	return m.GetAccountInfoFunc(ctx, account)
}

func (m *mockRPCClient) GetBalance(ctx context.Context, account solana.PublicKey, ct solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
	return m.GetBalanceFunc(ctx, account, ct)
}

func (m *mockRPCClient) GetTransaction(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
	return m.GetTransactionFunc(ctx, sig, opts)
}

func (m *mockRPCClient) GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
	return m.GetProgramAccountsWithOptsFunc(ctx, program, opts)
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, ct solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
	return m.GetLatestBlockhashFunc(ctx, ct)
}

func (m *mockRPCClient) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error) {
	return m.SendTransactionWithOptsFunc(ctx, tx, opts)
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, search bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
	return m.GetSignatureStatusesFunc(ctx, search, sigs...)
}

func newTestClient(t *testing.T, rpc ledger.RPCClient) *ledger.Client {
	t.Helper()
	client, err := ledger.New(ledger.Config{
		Logger:         pooltesting.NewLogger(),
		RPC:            rpc,
		RequestTimeout: time.Second,
		Retry:          retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	return client
}

// signedTransfer returns a signed native transfer from payer to recipient.
func signedTransfer(t *testing.T, payer solana.PrivateKey, recipient solana.PublicKey, lamports uint64) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(lamports, payer.PublicKey(), recipient).Build()},
		solana.Hash{1},
		solana.TransactionPayer(payer.PublicKey()),
	)
	require.NoError(t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}

// rpcTransaction builds a getTransaction result the way the RPC server encodes
// it, so the decoding path under test is the real one.
func rpcTransaction(t *testing.T, tx *solana.Transaction, meta map[string]any) *solanarpc.GetTransactionResult {
	t.Helper()
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	if _, ok := meta["err"]; !ok {
		meta["err"] = nil
	}
	for _, k := range []string{"preTokenBalances", "postTokenBalances"} {
		if _, ok := meta[k]; !ok {
			meta[k] = []any{}
		}
	}
	meta["loadedAddresses"] = map[string]any{"writable": []string{}, "readonly": []string{}}

	body, err := json.Marshal(map[string]any{
		"slot":        uint64(42),
		"blockTime":   int64(1_750_000_000),
		"transaction": []string{base64.StdEncoding.EncodeToString(raw), "base64"},
		"meta":        meta,
	})
	require.NoError(t, err)

	var res solanarpc.GetTransactionResult
	require.NoError(t, json.Unmarshal(body, &res), fmt.Sprintf("body: %s", body))
	return &res
}

func tokenBalance(index int, mint, owner solana.PublicKey, amount uint64) map[string]any {
	return map[string]any{
		"accountIndex": index,
		"mint":         mint.String(),
		"owner":        owner.String(),
		"uiTokenAmount": map[string]any{
			"amount":         fmt.Sprintf("%d", amount),
			"decimals":       6,
			"uiAmountString": "",
		},
	}
}
