package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/malbeclabs/rewardpool/pkg/ledger"
)

// buildTransfer returns a TransferChecked of amount from the treasury to the
// wallet's associated token account, paid for by the wallet and co-signed by
// the authority. The wallet's signature is left for the caller.
func (m *Manager) buildTransfer(ctx context.Context, wallet solana.PublicKey, amount uint64) (*solana.Transaction, error) {
	authority := m.cfg.Signer.PublicKey()
	dest, _, err := solana.FindAssociatedTokenAddress(wallet, m.cfg.RewardMint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive token account for %s: %w", wallet, err)
	}

	var instructions []solana.Instruction
	if _, err := m.cfg.Ledger.GetAccount(ctx, dest); errors.Is(err, ledger.ErrAccountNotFound) {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(wallet, wallet, m.cfg.RewardMint).Build())
	} else if err != nil {
		return nil, err
	}
	instructions = append(instructions, token.NewTransferCheckedInstruction(
		amount,
		m.cfg.Decimals,
		m.cfg.TreasuryTokenAccount,
		m.cfg.RewardMint,
		dest,
		authority,
		nil,
	).Build())

	blockhash, err := m.cfg.Ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(wallet))
	if err != nil {
		return nil, fmt.Errorf("failed to build claim transaction: %w", err)
	}
	if err := m.cfg.Signer.CoSign(tx); err != nil {
		return nil, fmt.Errorf("failed to co-sign claim transaction: %w", err)
	}
	return tx, nil
}
