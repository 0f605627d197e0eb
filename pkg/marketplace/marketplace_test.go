package marketplace

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Mr-Ben-dev/ZkWork/pkg/field"
	"github.com/Mr-Ben-dev/ZkWork/pkg/ledger"
	"github.com/Mr-Ben-dev/ZkWork/pkg/locator"
	"github.com/Mr-Ben-dev/ZkWork/pkg/offchain"
	"github.com/Mr-Ben-dev/ZkWork/pkg/record"
	"github.com/Mr-Ben-dev/ZkWork/pkg/txflow"
	"github.com/Mr-Ben-dev/ZkWork/pkg/wallet"
	"github.com/Mr-Ben-dev/ZkWork/pkg/wallet/wallettest"
)

const workerAddr = "aleo1worker000000000000000000000000000000000000000000000000000"

type fakeMetadata struct {
	agreements   []offchain.CreateAgreementRequest
	jobs         []offchain.CreateJobRequest
	patches      map[string]offchain.AgreementPatch
	deposits     []offchain.DepositEscrowRequest
	deliverables []string
	completes    []string
	refunds      []string
	claims       []string
	proofs       []string
}

func (m *fakeMetadata) RegisterWorker(_ context.Context, in offchain.RegisterWorkerRequest) (*offchain.Worker, error) {
	return &offchain.Worker{Address: in.Address}, nil
}

func (m *fakeMetadata) CreateJob(_ context.Context, in offchain.CreateJobRequest, _ string) (*offchain.Job, error) {
	m.jobs = append(m.jobs, in)
	return &offchain.Job{ID: "job-1", DescriptionHash: in.DescriptionHash, Budget: in.Budget}, nil
}

func (m *fakeMetadata) CreateAgreement(_ context.Context, in offchain.CreateAgreementRequest, _ string) (*offchain.Agreement, error) {
	m.agreements = append(m.agreements, in)
	return &offchain.Agreement{ID: "ag-1", Salary: in.Salary, OnChainAgreementID: in.OnChainAgreementID}, nil
}

func (m *fakeMetadata) PatchAgreement(_ context.Context, id string, patch offchain.AgreementPatch) (*offchain.Agreement, error) {
	if m.patches == nil {
		m.patches = map[string]offchain.AgreementPatch{}
	}
	m.patches[id] = patch
	return &offchain.Agreement{ID: id}, nil
}

func (m *fakeMetadata) DepositEscrow(_ context.Context, in offchain.DepositEscrowRequest, _ string) (*offchain.Escrow, error) {
	m.deposits = append(m.deposits, in)
	return &offchain.Escrow{ID: "esc-1"}, nil
}

func (m *fakeMetadata) SubmitDeliverable(_ context.Context, agreementID, hash, _ string) (*offchain.Agreement, error) {
	m.deliverables = append(m.deliverables, agreementID+":"+hash)
	return &offchain.Agreement{ID: agreementID}, nil
}

func (m *fakeMetadata) CompleteEscrow(_ context.Context, agreementID, _ string) (*offchain.Escrow, error) {
	m.completes = append(m.completes, agreementID)
	return &offchain.Escrow{}, nil
}

func (m *fakeMetadata) RefundEscrow(_ context.Context, agreementID, _ string) (*offchain.Escrow, error) {
	m.refunds = append(m.refunds, agreementID)
	return &offchain.Escrow{}, nil
}

func (m *fakeMetadata) ClaimReputation(_ context.Context, agreementID, _ string) error {
	m.claims = append(m.claims, agreementID)
	return nil
}

func (m *fakeMetadata) ProveThreshold(_ context.Context, verifier string, _ uint64, _ string) error {
	m.proofs = append(m.proofs, verifier)
	return nil
}

func newWorkflow(t *testing.T, fake *wallettest.Fake) (*Workflow, *fakeMetadata) {
	t.Helper()
	led := ledger.New(nil)
	t.Cleanup(func() { led.Close() })
	orch := txflow.New(fake, led, txflow.WithConfig(txflow.Config{
		PollInterval: time.Millisecond, MaxAttempts: 3,
	}))
	t.Cleanup(orch.Close)
	meta := &fakeMetadata{}
	w := New(locator.New(fake, DefaultProgramID), orch, meta)
	w.RetryAttempts = 1
	w.RetryDelay = time.Millisecond
	return w, meta
}

func stubStatus(fake *wallettest.Fake, id string) {
	if fake.Statuses == nil {
		fake.Statuses = map[string][]wallet.StatusResult{}
	}
	fake.Statuses[id] = []wallet.StatusResult{{Status: "finalized"}}
}

func TestPostJobBuildsTransitionInputs(t *testing.T) {
	fake := &wallettest.Fake{ExecuteID: "at1post"}
	stubStatus(fake, "at1post")
	w, meta := newWorkflow(t, fake)

	job, txID, err := w.PostJob(context.Background(), PostJobParams{
		Title:       "Build indexer",
		Description: "Index the chain",
		Skills:      []string{"go", "aleo"},
		Budget:      2.5,
		Currency:    CurrencyAleo,
		Deadline:    1700000000,
	})
	if err != nil {
		t.Fatalf("PostJob: %v", err)
	}
	if txID != "at1post" || job.ID != "job-1" {
		t.Fatalf("job=%+v tx=%s", job, txID)
	}

	if len(fake.Executions) != 1 {
		t.Fatalf("executions: %d", len(fake.Executions))
	}
	ex := fake.Executions[0]
	if ex.Function != "post_job" || ex.Fee != Fee || ex.Program != DefaultProgramID {
		t.Fatalf("execution = %+v", ex)
	}
	if len(ex.Inputs) != 6 {
		t.Fatalf("inputs = %v", ex.Inputs)
	}
	if ex.Inputs[0] != field.Encode("Build indexer|Index the chain") {
		t.Fatalf("description hash input = %s", ex.Inputs[0])
	}
	if ex.Inputs[1] != "2500000u64" || ex.Inputs[2] != "0u8" || ex.Inputs[4] != "1700000000u64" {
		t.Fatalf("numeric inputs = %v", ex.Inputs)
	}
	if _, ok := field.ParseFieldLiteral(ex.Inputs[5]); !ok {
		t.Fatalf("salt is not a field literal: %s", ex.Inputs[5])
	}
	if len(meta.jobs) != 1 || meta.jobs[0].Budget != 2_500_000 || meta.jobs[0].TransactionID != "at1post" {
		t.Fatalf("metadata job = %+v", meta.jobs)
	}
}

func jobOfferPT(salary, descHash string) string {
	return `{ owner: aleo1c.private, salary: ` + salary + `u64.private, description_hash: ` + descHash + `.private, category_hash: 3field.private, deadline: 1700000000u64.private, currency: 0u8.private }`
}

func agreementPT(id, salary, descHash string) string {
	return `{ owner: aleo1c.private, client: aleo1c.private, worker: ` + workerAddr + `.private, job_id: 1field.private, agreement_id: ` + id + `.private, salary: ` + salary + `u64.private, description_hash: ` + descHash + `.private }`
}

func escrowPT(id string) string {
	return `{ owner: aleo1c.private, agreement_id: ` + id + `.private, escrow_commitment: 9field.private, amount: 100u64.private }`
}

func noticePT(id string) string {
	return `{ owner: aleo1c.private, agreement_id: ` + id + `.private, deliverable_hash: 4field.private }`
}

func completionPT(id string) string {
	return `{ owner: aleo1w.private, agreement_id: ` + id + `.private, deliverable_hash: 4field.private, salary: 100u64.private, completed_at: 10u64.private }`
}

func reputationPT() string {
	return `{ owner: aleo1w.private, completed_jobs: 2u64.private, rep_commitment: 5field.private, score: 9u64.private }`
}

func TestCreateAgreementCapturesOnChainID(t *testing.T) {
	descHash := field.Encode("t|d")
	fake := &wallettest.Fake{
		ExecuteID: "at1create",
		RecordsByProgram: map[string][]record.Opaque{
			DefaultProgramID: {
				{FunctionName: "post_job", Plaintext: jobOfferPT("100", descHash)},
				{FunctionName: "create_agreement", Plaintext: agreementPT("7field", "100", descHash)},
			},
		},
	}
	stubStatus(fake, "at1create")
	w, meta := newWorkflow(t, fake)

	ag, txID, err := w.CreateAgreement(context.Background(),
		offchain.Job{ID: "job-1", Budget: 100, DescriptionHash: descHash}, workerAddr)
	if err != nil {
		t.Fatalf("CreateAgreement: %v", err)
	}
	if txID != "at1create" {
		t.Fatalf("tx = %s", txID)
	}
	if ag.OnChainAgreementID != "7field" {
		t.Fatalf("on-chain id not captured: %+v", ag)
	}
	if len(meta.agreements) != 1 || meta.agreements[0].OnChainAgreementID != "7field" {
		t.Fatalf("metadata agreement = %+v", meta.agreements)
	}
	ex := fake.Executions[0]
	if ex.Function != "create_agreement" || len(ex.Inputs) != 3 || ex.Inputs[1] != workerAddr {
		t.Fatalf("execution = %+v", ex)
	}
}

func TestCreateAgreementMissingJobRecord(t *testing.T) {
	fake := &wallettest.Fake{ExecuteID: "at1x"}
	w, _ := newWorkflow(t, fake)

	_, _, err := w.CreateAgreement(context.Background(),
		offchain.Job{ID: "job-1", Budget: 100, DescriptionHash: "1field"}, workerAddr)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v", err)
	}
	if len(fake.Executions) != 0 {
		t.Fatalf("transition submitted without job record")
	}
}

func TestDepositEscrowAleo(t *testing.T) {
	descHash := field.Encode("t|d")
	fake := &wallettest.Fake{
		ExecuteID: "at1dep",
		RecordsByProgram: map[string][]record.Opaque{
			DefaultProgramID: {
				{FunctionName: "create_agreement", Plaintext: agreementPT("7field", "100", descHash)},
			},
			locator.CreditsProgramID: {
				{Plaintext: `{ owner: aleo1c.private, microcredits: 150u64.private }`},
			},
		},
	}
	stubStatus(fake, "at1dep")
	w, meta := newWorkflow(t, fake)

	ag := offchain.Agreement{ID: "ag-1", Salary: 100, DescriptionHash: descHash}
	txID, err := w.DepositEscrow(context.Background(), ag)
	if err != nil {
		t.Fatalf("DepositEscrow: %v", err)
	}
	if txID != "at1dep" {
		t.Fatalf("tx = %s", txID)
	}
	ex := fake.Executions[0]
	if ex.Function != "deposit_escrow_aleo" || len(ex.Inputs) != 3 {
		t.Fatalf("execution = %+v", ex)
	}
	if ex.Inputs[2] != "100u64" {
		t.Fatalf("amount input = %s", ex.Inputs[2])
	}
	if !strings.Contains(ex.Inputs[1], "microcredits") {
		t.Fatalf("pay record input = %s", ex.Inputs[1])
	}
	if len(meta.deposits) != 1 || meta.deposits[0].AgreementID != "ag-1" {
		t.Fatalf("metadata deposit = %+v", meta.deposits)
	}
	// Heuristic lookup found the record, so the id must now be pinned.
	if p, ok := meta.patches["ag-1"]; !ok || p.OnChainAgreementID == nil || *p.OnChainAgreementID != "7field" {
		t.Fatalf("id not pinned during lookup: %+v", meta.patches)
	}
}

func TestDepositEscrowSalaryMismatchAborts(t *testing.T) {
	descHash := field.Encode("t|d")
	fake := &wallettest.Fake{
		ExecuteID: "at1dep",
		RecordsByProgram: map[string][]record.Opaque{
			DefaultProgramID: {
				{FunctionName: "create_agreement", Plaintext: agreementPT("7field", "200", descHash)},
			},
		},
	}
	w, _ := newWorkflow(t, fake)

	// Pinned id matches the record but salaries disagree.
	ag := offchain.Agreement{ID: "ag-1", Salary: 100, DescriptionHash: descHash, OnChainAgreementID: "7field"}
	_, err := w.DepositEscrow(context.Background(), ag)
	if !errors.Is(err, ErrSalaryMismatch) {
		t.Fatalf("err = %v", err)
	}
	if len(fake.Executions) != 0 {
		t.Fatalf("deposit submitted despite mismatch")
	}
}

func TestDepositEscrowInsufficientCredits(t *testing.T) {
	descHash := field.Encode("t|d")
	fake := &wallettest.Fake{
		ExecuteID: "at1dep",
		RecordsByProgram: map[string][]record.Opaque{
			DefaultProgramID: {
				{FunctionName: "create_agreement", Plaintext: agreementPT("7field", "100", descHash)},
			},
			locator.CreditsProgramID: {
				{Plaintext: `{ owner: aleo1c.private, microcredits: 40u64.private }`},
			},
		},
	}
	w, _ := newWorkflow(t, fake)

	ag := offchain.Agreement{ID: "ag-1", Salary: 100, DescriptionHash: descHash}
	_, err := w.DepositEscrow(context.Background(), ag)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v", err)
	}
}

func TestCompleteJobUSDCx(t *testing.T) {
	descHash := field.Encode("t|d")
	fake := &wallettest.Fake{
		ExecuteID: "at1done",
		RecordsByProgram: map[string][]record.Opaque{
			DefaultProgramID: {
				{FunctionName: "create_agreement", Plaintext: agreementPT("7field", "100", descHash)},
				{FunctionName: "commit_escrow_usdcx", Plaintext: escrowPT("7field")},
				{FunctionName: "submit_deliverable", Plaintext: noticePT("7field")},
			},
			locator.TokenProgramID: {
				{Plaintext: `{ owner: aleo1c.private, amount: 500u128.private, token_id: 1field.private }`},
			},
		},
	}
	stubStatus(fake, "at1done")
	w, meta := newWorkflow(t, fake)

	ag := offchain.Agreement{
		ID: "ag-1", Salary: 100, Currency: CurrencyUSDCx,
		DescriptionHash: descHash, OnChainAgreementID: "7field",
	}
	txID, err := w.CompleteJob(context.Background(), ag)
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if txID != "at1done" {
		t.Fatalf("tx = %s", txID)
	}
	ex := fake.Executions[0]
	if ex.Function != "complete_job_usdcx" || len(ex.Inputs) != 6 {
		t.Fatalf("execution = %+v", ex)
	}
	if ex.Inputs[4] != "100u128" {
		t.Fatalf("amount input = %s", ex.Inputs[4])
	}
	proofs := ex.Inputs[5]
	if strings.Count(proofs, "0field") != 32 || strings.Count(proofs, "leaf_index: 1u32") != 2 {
		t.Fatalf("proof pair malformed: %s", proofs)
	}
	if len(meta.completes) != 1 || meta.completes[0] != "ag-1" {
		t.Fatalf("metadata complete = %v", meta.completes)
	}
}

func TestCompleteJobAleoMissingNotice(t *testing.T) {
	descHash := field.Encode("t|d")
	fake := &wallettest.Fake{
		ExecuteID: "at1done",
		RecordsByProgram: map[string][]record.Opaque{
			DefaultProgramID: {
				{FunctionName: "create_agreement", Plaintext: agreementPT("7field", "100", descHash)},
				{FunctionName: "deposit_escrow_aleo", Plaintext: escrowPT("7field")},
			},
		},
	}
	w, _ := newWorkflow(t, fake)

	ag := offchain.Agreement{ID: "ag-1", Salary: 100, DescriptionHash: descHash, OnChainAgreementID: "7field"}
	_, err := w.CompleteJob(context.Background(), ag)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "delivery notice") {
		t.Fatalf("missing-record name absent: %v", err)
	}
}

func TestCompleteJobIgnoresForeignEscrow(t *testing.T) {
	descHash := field.Encode("t|d")
	fake := &wallettest.Fake{
		ExecuteID: "at1done",
		RecordsByProgram: map[string][]record.Opaque{
			DefaultProgramID: {
				{FunctionName: "create_agreement", Plaintext: agreementPT("7field", "100", descHash)},
				// Escrow receipt for a different agreement.
				{FunctionName: "deposit_escrow_aleo", Plaintext: escrowPT("9field")},
				{FunctionName: "deposit_escrow_aleo", Plaintext: escrowPT("7field")},
				{FunctionName: "submit_deliverable", Plaintext: noticePT("7field")},
			},
		},
	}
	stubStatus(fake, "at1done")
	w, _ := newWorkflow(t, fake)

	ag := offchain.Agreement{ID: "ag-1", Salary: 100, DescriptionHash: descHash, OnChainAgreementID: "7field"}
	if _, err := w.CompleteJob(context.Background(), ag); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	ex := fake.Executions[0]
	if !strings.Contains(ex.Inputs[1], "agreement_id: 7field") {
		t.Fatalf("wrong escrow selected: %s", ex.Inputs[1])
	}
}

func TestClaimReputationFirstClaim(t *testing.T) {
	fake := &wallettest.Fake{
		ExecuteID: "at1rep",
		RecordsByProgram: map[string][]record.Opaque{
			DefaultProgramID: {
				{FunctionName: "complete_job_aleo", Plaintext: completionPT("7field")},
			},
		},
	}
	stubStatus(fake, "at1rep")
	w, meta := newWorkflow(t, fake)

	ag := offchain.Agreement{ID: "ag-1", OnChainAgreementID: "7field"}
	if _, err := w.ClaimReputation(context.Background(), ag); err != nil {
		t.Fatalf("ClaimReputation: %v", err)
	}
	ex := fake.Executions[0]
	if ex.Function != "claim_reputation" || len(ex.Inputs) != 1 {
		t.Fatalf("execution = %+v", ex)
	}
	if len(meta.claims) != 1 {
		t.Fatalf("metadata claims = %v", meta.claims)
	}
}

func TestClaimReputationMergesExisting(t *testing.T) {
	fake := &wallettest.Fake{
		ExecuteID: "at1rep",
		RecordsByProgram: map[string][]record.Opaque{
			DefaultProgramID: {
				{FunctionName: "complete_job_aleo", Plaintext: completionPT("7field")},
				{FunctionName: "claim_reputation", Plaintext: reputationPT()},
			},
		},
	}
	stubStatus(fake, "at1rep")
	w, _ := newWorkflow(t, fake)

	ag := offchain.Agreement{ID: "ag-1", OnChainAgreementID: "7field"}
	if _, err := w.ClaimReputation(context.Background(), ag); err != nil {
		t.Fatalf("ClaimReputation: %v", err)
	}
	ex := fake.Executions[0]
	if ex.Function != "merge_reputation" || len(ex.Inputs) != 2 {
		t.Fatalf("execution = %+v", ex)
	}
}

func TestProveThreshold(t *testing.T) {
	fake := &wallettest.Fake{
		ExecuteID: "at1prove",
		RecordsByProgram: map[string][]record.Opaque{
			DefaultProgramID: {
				{FunctionName: "merge_reputation", Plaintext: reputationPT()},
			},
		},
	}
	stubStatus(fake, "at1prove")
	w, meta := newWorkflow(t, fake)

	txID, err := w.ProveThreshold(context.Background(), 5, "aleo1verifier")
	if err != nil {
		t.Fatalf("ProveThreshold: %v", err)
	}
	if txID != "at1prove" {
		t.Fatalf("tx = %s", txID)
	}
	ex := fake.Executions[0]
	if ex.Function != "prove_threshold" || ex.Inputs[1] != "5u64" || ex.Inputs[2] != "aleo1verifier" {
		t.Fatalf("execution = %+v", ex)
	}
	if len(meta.proofs) != 1 || meta.proofs[0] != "aleo1verifier" {
		t.Fatalf("metadata proofs = %v", meta.proofs)
	}
}

func TestRefundEscrow(t *testing.T) {
	descHash := field.Encode("t|d")
	fake := &wallettest.Fake{
		ExecuteID: "at1refund",
		RecordsByProgram: map[string][]record.Opaque{
			DefaultProgramID: {
				{FunctionName: "deposit_escrow_aleo", Plaintext: escrowPT("7field")},
			},
		},
	}
	stubStatus(fake, "at1refund")
	w, meta := newWorkflow(t, fake)

	ag := offchain.Agreement{ID: "ag-1", Salary: 100, DescriptionHash: descHash, OnChainAgreementID: "7field"}
	if _, err := w.RefundEscrow(context.Background(), ag); err != nil {
		t.Fatalf("RefundEscrow: %v", err)
	}
	ex := fake.Executions[0]
	if ex.Function != "refund_escrow_aleo" || len(ex.Inputs) != 1 {
		t.Fatalf("execution = %+v", ex)
	}
	if len(meta.refunds) != 1 || meta.refunds[0] != "ag-1" {
		t.Fatalf("metadata refunds = %v", meta.refunds)
	}
}
