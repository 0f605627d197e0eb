// Package wallettest provides a scriptable in-memory Wallet for tests.
package wallettest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Mr-Ben-dev/ZkWork/pkg/record"
	"github.com/Mr-Ben-dev/ZkWork/pkg/wallet"
)

// Fake implements wallet.Wallet against fixture data. Zero value is usable.
type Fake struct {
	mu sync.Mutex

	// RecordsByProgram is returned verbatim from Records, oldest first.
	RecordsByProgram map[string][]record.Opaque
	// Plaintexts maps ciphertext to decrypted payload; missing entries fail
	// with wallet.ErrDecrypt.
	Plaintexts map[string]string
	// Statuses is consumed one per Status call for the matching id; the
	// last entry repeats once the script is exhausted.
	Statuses map[string][]wallet.StatusResult
	// ExecuteID is returned from Execute; empty means ErrUnavailable.
	ExecuteID string
	// RejectExecute forces Execute to fail with wallet.ErrRejected.
	RejectExecute bool

	Executions  []wallet.Execution
	statusCalls map[string]int
}

var _ wallet.Wallet = (*Fake)(nil)

func (f *Fake) Records(_ context.Context, programID string) ([]record.Opaque, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.RecordsByProgram[programID]
	out := make([]record.Opaque, len(recs))
	copy(out, recs)
	return out, nil
}

func (f *Fake) Decrypt(_ context.Context, ciphertext string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pt, ok := f.Plaintexts[ciphertext]; ok {
		return pt, nil
	}
	return "", fmt.Errorf("%w: %s", wallet.ErrDecrypt, truncate(ciphertext))
}

func (f *Fake) Execute(_ context.Context, ex wallet.Execution) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Executions = append(f.Executions, ex)
	if f.RejectExecute {
		return "", wallet.ErrRejected
	}
	if f.ExecuteID == "" {
		return "", wallet.ErrUnavailable
	}
	return f.ExecuteID, nil
}

func (f *Fake) Status(_ context.Context, txID string) (wallet.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.Statuses[txID]
	if len(script) == 0 {
		return wallet.StatusResult{}, fmt.Errorf("wallet: unknown transaction %s", txID)
	}
	if f.statusCalls == nil {
		f.statusCalls = map[string]int{}
	}
	i := f.statusCalls[txID]
	if i >= len(script) {
		i = len(script) - 1
	}
	f.statusCalls[txID]++
	return script[i], nil
}

func (f *Fake) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	return []byte("sig:" + string(msg)), nil
}

// StatusCalls reports how many times Status was queried for id.
func (f *Fake) StatusCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[id]
}

func truncate(s string) string {
	if len(s) <= 24 {
		return s
	}
	return s[:24] + "..."
}

// Ciphertext builds a well-formed fake record ciphertext from a tag.
func Ciphertext(tag string) string {
	return record.CiphertextPrefix + strings.ReplaceAll(tag, " ", "_")
}
