package reconcile

import (
	"context"
	"testing"

	"github.com/Mr-Ben-dev/ZkWork/pkg/locator"
	"github.com/Mr-Ben-dev/ZkWork/pkg/offchain"
	"github.com/Mr-Ben-dev/ZkWork/pkg/record"
	"github.com/Mr-Ben-dev/ZkWork/pkg/wallet/wallettest"
)

const programID = "zkwork_private_v1.aleo"

func agreementPT(id string, salary string, descHash string) string {
	return `{ owner: aleo1c.private, client: aleo1c.private, worker: aleo1w.private, job_id: 1field.private, agreement_id: ` + id + `.private, salary: ` + salary + `u64.private, description_hash: ` + descHash + `.private }`
}

type patchRecorder struct {
	patched map[string]string
	fail    error
}

func (p *patchRecorder) PatchAgreement(_ context.Context, id string, patch offchain.AgreementPatch) (*offchain.Agreement, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	if p.patched == nil {
		p.patched = map[string]string{}
	}
	if patch.OnChainAgreementID != nil {
		p.patched[id] = *patch.OnChainAgreementID
	}
	return &offchain.Agreement{ID: id, OnChainAgreementID: p.patched[id]}, nil
}

func newReconciler(recs []record.Opaque, patcher AgreementPatcher) *Reconciler {
	fake := &wallettest.Fake{
		RecordsByProgram: map[string][]record.Opaque{programID: recs},
	}
	return New(locator.New(fake, programID), patcher)
}

func TestPinSingleCandidate(t *testing.T) {
	// A record with matching salary+hash carries 7field; a record with a
	// different salary carries 9field. Only 7field qualifies.
	recs := []record.Opaque{
		{FunctionName: "create_agreement", Plaintext: agreementPT("7field", "100", "55field")},
		{FunctionName: "create_agreement", Plaintext: agreementPT("9field", "999", "55field")},
	}
	patcher := &patchRecorder{}
	r := newReconciler(recs, patcher)

	res, err := r.Pin(context.Background(), offchain.Agreement{ID: "ag-1", Salary: 100, DescriptionHash: "55field"})
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if res.Outcome != Pinned || res.ID != "7field" {
		t.Fatalf("res = %+v", res)
	}
	if patcher.patched["ag-1"] != "7field" {
		t.Fatalf("patch not sent: %v", patcher.patched)
	}
}

func TestPinDeduplicatesAcrossFunctions(t *testing.T) {
	// The same id seen from two originating functions is one candidate.
	recs := []record.Opaque{
		{FunctionName: "create_agreement", Plaintext: agreementPT("7field", "100", "55field")},
		{FunctionName: "deposit_escrow_aleo", Plaintext: agreementPT("7field", "100", "55field")},
	}
	patcher := &patchRecorder{}
	r := newReconciler(recs, patcher)

	res, err := r.Pin(context.Background(), offchain.Agreement{ID: "ag-2", Salary: 100, DescriptionHash: "55field"})
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if res.Outcome != Pinned || res.ID != "7field" {
		t.Fatalf("res = %+v", res)
	}
}

func TestPinAmbiguous(t *testing.T) {
	recs := []record.Opaque{
		{FunctionName: "create_agreement", Plaintext: agreementPT("7field", "100", "55field")},
		{FunctionName: "create_agreement", Plaintext: agreementPT("8field", "100", "55field")},
	}
	patcher := &patchRecorder{}
	r := newReconciler(recs, patcher)

	res, err := r.Pin(context.Background(), offchain.Agreement{ID: "ag-3", Salary: 100, DescriptionHash: "55field"})
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if res.Outcome != Ambiguous {
		t.Fatalf("res = %+v", res)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("candidates = %v", res.Candidates)
	}
	if len(patcher.patched) != 0 {
		t.Fatalf("ambiguous result patched: %v", patcher.patched)
	}
}

func TestPinNotFound(t *testing.T) {
	patcher := &patchRecorder{}
	r := newReconciler(nil, patcher)

	res, err := r.Pin(context.Background(), offchain.Agreement{ID: "ag-4", Salary: 100, DescriptionHash: "55field"})
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if res.Outcome != NotFound {
		t.Fatalf("res = %+v", res)
	}
}

func TestPinAlreadyPinnedSkipsScan(t *testing.T) {
	// Records that would yield a different id must not move a pinned one.
	recs := []record.Opaque{
		{FunctionName: "create_agreement", Plaintext: agreementPT("9field", "100", "55field")},
	}
	patcher := &patchRecorder{}
	r := newReconciler(recs, patcher)

	res, err := r.Pin(context.Background(), offchain.Agreement{
		ID: "ag-5", Salary: 100, DescriptionHash: "55field", OnChainAgreementID: "7field",
	})
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if res.Outcome != Pinned || res.ID != "7field" {
		t.Fatalf("res = %+v", res)
	}
	if len(patcher.patched) != 0 {
		t.Fatalf("re-patched: %v", patcher.patched)
	}
}

func TestAgreementFilterStrictWhenPinned(t *testing.T) {
	f := AgreementFilter("7field", 100, "55field")
	// Matching salary and hash but wrong id must be rejected.
	if f(agreementPT("9field", "100", "55field")) {
		t.Fatalf("pinned filter accepted wrong id")
	}
	if !f(agreementPT("7field", "100", "55field")) {
		t.Fatalf("pinned filter rejected pinned id")
	}
	// Even mismatched salary passes when the pinned id matches; the id is
	// the stronger identity.
	if !f(agreementPT("7field", "42", "1field")) {
		t.Fatalf("pinned filter second-guessed the id")
	}
}

func TestAgreementFilterBeforePinning(t *testing.T) {
	f := AgreementFilter("", 100, "55field")
	if !f(agreementPT("7field", "100", "55field")) {
		t.Fatalf("unpinned filter rejected matching record")
	}
	if f(agreementPT("7field", "101", "55field")) {
		t.Fatalf("unpinned filter accepted wrong salary")
	}
	if f(agreementPT("7field", "100", "56field")) {
		t.Fatalf("unpinned filter accepted wrong hash")
	}
}
