package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
)

var Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

// Token account layout shared by the token programs, followed for
// Token-2022 by an account-type byte and TLV extensions.
const (
	tokenAccountSize  = 165
	accountTypeOffset = 165
	extensionsOffset  = 166

	accountTypeAccount = 2

	extensionUninitialized     = 0
	extensionTransferFeeAmount = 2

	stateOffset      = 108
	stateInitialized = 1
	stateFrozen      = 2
)

// Transfer-fee instruction encoding.
const (
	instructionTransferFeeExtension         = 26
	transferFeeWithdrawWithheldFromAccounts = 3

	// MaxWithdrawSources keeps a withdraw transaction under the size limit.
	MaxWithdrawSources = 20
)

var errShortAccount = errors.New("token account data too short")

// TokenAccount is the subset of a token account the adapters read.
type TokenAccount struct {
	Address  solana.PublicKey
	Mint     solana.PublicKey
	Owner    solana.PublicKey
	Amount   uint64
	Withheld uint64
	Frozen   bool
}

// ParseTokenAccount decodes a token account and, when present, the
// TransferFeeAmount extension.
func ParseTokenAccount(address solana.PublicKey, data []byte) (TokenAccount, error) {
	if len(data) < tokenAccountSize {
		return TokenAccount{}, fmt.Errorf("%w: %d bytes", errShortAccount, len(data))
	}
	state := data[stateOffset]
	if state != stateInitialized && state != stateFrozen {
		return TokenAccount{}, fmt.Errorf("token account not initialized (state %d)", state)
	}
	acct := TokenAccount{
		Address: address,
		Mint:    solana.PublicKeyFromBytes(data[0:32]),
		Owner:   solana.PublicKeyFromBytes(data[32:64]),
		Amount:  binary.LittleEndian.Uint64(data[64:72]),
		Frozen:  state == stateFrozen,
	}
	if len(data) > extensionsOffset && data[accountTypeOffset] == accountTypeAccount {
		acct.Withheld = withheldAmount(data[extensionsOffset:])
	}
	return acct, nil
}

func withheldAmount(tlv []byte) uint64 {
	for off := 0; off+4 <= len(tlv); {
		typ := binary.LittleEndian.Uint16(tlv[off:])
		length := int(binary.LittleEndian.Uint16(tlv[off+2:]))
		if typ == extensionUninitialized {
			return 0
		}
		value := off + 4
		if value+length > len(tlv) {
			return 0
		}
		if typ == extensionTransferFeeAmount && length >= 8 {
			return binary.LittleEndian.Uint64(tlv[value:])
		}
		off = value + length
	}
	return 0
}

// NewWithdrawWithheldInstruction moves withheld fees from sources into
// destination. authority must be the mint's withdraw-withheld authority.
func NewWithdrawWithheldInstruction(mint, destination, authority solana.PublicKey, sources []solana.PublicKey) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(destination, true, false),
		solana.NewAccountMeta(authority, false, true),
	}
	for _, src := range sources {
		metas = append(metas, solana.NewAccountMeta(src, true, false))
	}
	data := []byte{instructionTransferFeeExtension, transferFeeWithdrawWithheldFromAccounts, byte(len(sources))}
	return solana.NewInstruction(Token2022ProgramID, metas, data)
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token amount %q: %w", s, err)
	}
	return v, nil
}
