package svm

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/near/borsh-go"
)

// ComputeBudgetProgramID is the Solana Compute Budget program ID.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

const (
	computeBudgetSetUnitLimit uint8 = 2
	computeBudgetSetUnitPrice uint8 = 3

	associatedTokenCreateIdempotent uint8 = 1
)

type setComputeUnitLimitData struct {
	Discriminator uint8
	Units         uint32
}

type setComputeUnitPriceData struct {
	Discriminator uint8
	MicroLamports uint64
}

type createIdempotentData struct {
	Discriminator uint8
}

// SetComputeUnitLimit creates a SetComputeUnitLimit instruction.
func SetComputeUnitLimit(units uint32) (solana.Instruction, error) {
	data, err := borsh.Serialize(setComputeUnitLimitData{Discriminator: computeBudgetSetUnitLimit, Units: units})
	if err != nil {
		return nil, fmt.Errorf("encode compute unit limit: %w", err)
	}
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data), nil
}

// SetComputeUnitPrice creates a SetComputeUnitPrice instruction.
func SetComputeUnitPrice(microLamports uint64) (solana.Instruction, error) {
	data, err := borsh.Serialize(setComputeUnitPriceData{Discriminator: computeBudgetSetUnitPrice, MicroLamports: microLamports})
	if err != nil {
		return nil, fmt.Errorf("encode compute unit price: %w", err)
	}
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data), nil
}

// CreateAssociatedTokenAccountIdempotent creates ata for owner and mint,
// paid by payer. The instruction succeeds when the account already exists.
func CreateAssociatedTokenAccountIdempotent(payer, owner, mint, ata solana.PublicKey) (solana.Instruction, error) {
	data, err := borsh.Serialize(createIdempotentData{Discriminator: associatedTokenCreateIdempotent})
	if err != nil {
		return nil, fmt.Errorf("encode create idempotent: %w", err)
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(ata).WRITE(),
		solana.Meta(owner),
		solana.Meta(mint),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.TokenProgramID),
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, data), nil
}
