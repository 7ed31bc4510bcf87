// Package solana provides instruction builders shared by the SVM payment
// signer.
package solana

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/agentpay/x402-go"
)

// ComputeBudgetProgramID is the Solana Compute Budget program ID.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// DefaultComputeUnits is the compute unit limit requested per payment
// transaction.
const DefaultComputeUnits uint32 = 200_000

// DefaultComputeUnitPrice is the compute unit price in microlamports.
const DefaultComputeUnitPrice uint64 = 10_000

// BuildTransferCheckedInstruction creates an SPL Token TransferChecked
// instruction moving amount atomic units between the two token accounts.
func BuildTransferCheckedInstruction(
	source, mint, destination solana.PublicKey,
	owner solana.PublicKey,
	amount uint64,
	decimals uint8,
) solana.Instruction {
	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetDestinationAccount(destination).
		SetMintAccount(mint).
		SetOwnerAccount(owner).
		Build()
}

// BuildSetComputeUnitLimitInstruction creates a SetComputeUnitLimit
// instruction. Data layout: discriminator 2, then the limit as u32
// little-endian.
func BuildSetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:], units)

	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// BuildSetComputeUnitPriceInstruction creates a SetComputeUnitPrice
// instruction. Data layout: discriminator 3, then the price as u64
// little-endian.
func BuildSetComputeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microlamports)

	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// DeriveAssociatedTokenAddress derives the associated token account address
// for an owner and mint.
func DeriveAssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive ATA: %w", err)
	}
	return ata, nil
}

// BuildCreateIdempotentATAInstruction creates the recipient's associated
// token account, sponsored by the fee payer. CreateIdempotent (instruction
// index 1) succeeds when the account already exists, so the payment
// transaction never fails on a pre-funded recipient.
func BuildCreateIdempotentATAInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, err := DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}

	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1}), nil
}

// GetRPCURL maps a CAIP-2 Solana network identifier to its public RPC
// endpoint.
func GetRPCURL(network string) (string, error) {
	switch network {
	case x402.NetworkSolanaMainnet:
		return rpc.MainNetBeta_RPC, nil
	case x402.NetworkSolanaDevnet:
		return rpc.DevNet_RPC, nil
	default:
		return "", fmt.Errorf("%w: no RPC endpoint for %s", x402.ErrInvalidNetwork, network)
	}
}
