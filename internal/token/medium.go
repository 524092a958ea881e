// Package token defines the value-transfer medium the escrow engine moves
// funds through, with an in-memory ledger and a JSON-RPC client implementation.
package token

import (
	"context"
	"errors"

	"group-escrow/internal/domain"
)

// Medium is a fungible-token-like service.
//
// Implementations may deliver less than the requested amount (transfer fees)
// and may call back into arbitrary code when an account is credited. Callers
// must measure balances rather than trust nominal amounts.
type Medium interface {
	// TransferFrom moves amount from `from` to `to`, spending the allowance
	// `from` granted to `to`.
	TransferFrom(ctx context.Context, from, to domain.Address, amount uint64) error

	// Transfer moves amount held by `from` to `to`.
	Transfer(ctx context.Context, from, to domain.Address, amount uint64) error

	// BalanceOf returns the balance held by account.
	BalanceOf(ctx context.Context, account domain.Address) (uint64, error)

	// Approve sets the amount spender may move out of owner's balance.
	Approve(ctx context.Context, owner, spender domain.Address, amount uint64) error
}

// Medium errors.
var (
	// ErrInsufficientBalance is returned when the source balance is too small.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientAllowance is returned when TransferFrom exceeds the approved amount.
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrTransferRejected is returned when the medium reports a transfer as not executed.
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrBalanceOverflow is returned when a credit would overflow the recipient balance.
	ErrBalanceOverflow = errors.New("balance overflow")
)
