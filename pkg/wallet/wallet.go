// Package wallet declares the capability surface the engine consumes from a
// connected wallet. The wallet exclusively owns records and keys; the engine
// only lists, decrypts and submits through it and never mutates wallet state.
package wallet

import (
	"context"
	"errors"

	"github.com/Mr-Ben-dev/ZkWork/pkg/record"
)

var (
	// ErrUnavailable means no wallet connection exists for the requested
	// capability; the operation fails fast and is not retried here.
	ErrUnavailable = errors.New("wallet: capability unavailable")
	// ErrDecrypt means one ciphertext could not be decrypted. It condemns a
	// single candidate record, not a whole search.
	ErrDecrypt = errors.New("wallet: decrypt failed")
	// ErrRejected means the wallet refused to sign or submit.
	ErrRejected = errors.New("wallet: rejected")
)

// Execution describes one program call to sign and submit.
type Execution struct {
	Program  string
	Function string
	Inputs   []string
	Fee      uint64
}

// StatusResult is the wallet's view of a submitted transaction. The wallet
// may report a canonical on-chain id that supersedes the provisional one it
// returned at submission time.
type StatusResult struct {
	Status        string
	TransactionID string
}

// Wallet is the full capability set. Implementations must be safe for
// concurrent use; the engine polls and scans from independent goroutines.
type Wallet interface {
	// Records returns every record the wallet tracks for the program,
	// spent and unspent, newest last.
	Records(ctx context.Context, programID string) ([]record.Opaque, error)
	// Decrypt converts a record ciphertext into plaintext, or ErrDecrypt.
	Decrypt(ctx context.Context, ciphertext string) (string, error)
	// Execute signs and submits a transaction, returning a provisional id.
	Execute(ctx context.Context, ex Execution) (string, error)
	// Status reports the current state of a submitted transaction.
	Status(ctx context.Context, txID string) (StatusResult, error)
	// SignMessage signs arbitrary bytes for off-chain authentication.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}
