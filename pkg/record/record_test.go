package record

import "testing"

const agreementPlaintext = `{
  owner: aleo1client000.private,
  client: aleo1client000.private,
  worker: aleo1worker000.private,
  job_id: 12field.private,
  agreement_id: 7field.private,
  salary: 100000000u64.private,
  description_hash: 3105field.private,
  _nonce: 123456group.public
}`

func TestParseFields(t *testing.T) {
	fields := ParseFields(agreementPlaintext)
	if fields["salary"] != "100000000u64.private" {
		t.Fatalf("salary = %q", fields["salary"])
	}
	if fields["agreement_id"] != "7field.private" {
		t.Fatalf("agreement_id = %q", fields["agreement_id"])
	}
	if len(fields) != 8 {
		t.Fatalf("field count = %d, want 8", len(fields))
	}
}

func TestParseFieldsNestedAggregate(t *testing.T) {
	pt := `{ owner: aleo1x.private, proof: { siblings: [0field, 0field], leaf_index: 1u32 }, amount: 5u128 }`
	fields := ParseFields(pt)
	if fields["proof"] != "{ siblings: [0field, 0field], leaf_index: 1u32 }" {
		t.Fatalf("nested aggregate mangled: %q", fields["proof"])
	}
	if fields["amount"] != "5u128" {
		t.Fatalf("amount = %q", fields["amount"])
	}
}

func TestParseFieldsNotARecord(t *testing.T) {
	if got := ParseFields("ciphertext-without-braces"); len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]string
		want   Kind
	}{
		{"worker profile", map[string]string{"skills_hash": "1field", "rate": "50u64"}, KindWorkerProfile},
		{"job offer", map[string]string{"salary": "100u64", "deadline": "999u64", "description_hash": "2field"}, KindJobOffer},
		{"job offer budget shape", map[string]string{"budget": "100u64", "deadline": "999u64"}, KindJobOffer},
		{"agreement", map[string]string{"client": "aleo1a", "worker": "aleo1b", "job_id": "1field", "salary": "100u64"}, KindAgreement},
		{"escrow receipt", map[string]string{"agreement_id": "7field", "escrow_commitment": "9field", "amount": "100u64"}, KindEscrowReceipt},
		{"delivery notice", map[string]string{"agreement_id": "7field", "deliverable_hash": "4field"}, KindDeliveryNotice},
		{"completion receipt", map[string]string{"agreement_id": "7field", "deliverable_hash": "4field", "completed_at": "100u64"}, KindCompletionReceipt},
		{"reputation", map[string]string{"completed_jobs": "3u64", "rep_commitment": "5field", "score": "15u64"}, KindReputationRecord},
		{"threshold proof", map[string]string{"threshold": "5u64", "verifier": "aleo1v"}, KindThresholdProof},
		{"unknown", map[string]string{"mystery": "1u8"}, KindUnknown},
		{"empty", map[string]string{}, KindUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.fields); got != c.want {
			t.Fatalf("%s: Classify = %s, want %s", c.name, got, c.want)
		}
	}
}

// A payload with only salary and deadline must classify as JobOffer and must
// not satisfy any other kind's predicate.
func TestClassifyExclusivity(t *testing.T) {
	fields := map[string]string{"salary": "100u64", "deadline": "999u64"}
	if got := Classify(fields); got != KindJobOffer {
		t.Fatalf("Classify = %s, want JobOffer", got)
	}
	has := func(name string) bool { _, ok := fields[name]; return ok && name != "owner" }
	for _, r := range rules {
		if r.kind == KindJobOffer {
			continue
		}
		if r.match(has) {
			t.Fatalf("%s predicate also matched {salary, deadline}", r.kind)
		}
	}
}

// Agreement records carry agreement_id too; precedence must keep them out of
// the receipt kinds.
func TestClassifyPrecedence(t *testing.T) {
	fields := ParseFields(agreementPlaintext)
	if got := Classify(fields); got != KindAgreement {
		t.Fatalf("Classify = %s, want Agreement", got)
	}
}

func TestClassifyIgnoresOwner(t *testing.T) {
	// owner must never count toward a predicate.
	fields := map[string]string{"owner": "aleo1x", "_nonce": "1group"}
	if got := Classify(fields); got != KindUnknown {
		t.Fatalf("Classify = %s, want Unknown", got)
	}
}

func TestExtractors(t *testing.T) {
	if v, ok := Salary(agreementPlaintext); !ok || v != 100000000 {
		t.Fatalf("Salary = (%d,%v)", v, ok)
	}
	if id, ok := AgreementID(agreementPlaintext); !ok || id != "7field" {
		t.Fatalf("AgreementID = (%s,%v)", id, ok)
	}
	if h, ok := DescriptionHash(agreementPlaintext); !ok || h != "3105field" {
		t.Fatalf("DescriptionHash = (%s,%v)", h, ok)
	}
	if _, ok := DeliverableHash(agreementPlaintext); ok {
		t.Fatalf("DeliverableHash matched an agreement record")
	}
}

func TestMicrocredits(t *testing.T) {
	pt := `{ owner: aleo1x.private, microcredits: 1_500_000u64.private, _nonce: 1group.public }`
	if v, ok := Microcredits(pt); !ok || v != 1500000 {
		t.Fatalf("Microcredits = (%d,%v)", v, ok)
	}
	if _, ok := Microcredits(`{ owner: aleo1x.private }`); ok {
		t.Fatalf("Microcredits matched a record with no balance")
	}
}

func TestTokenAmount(t *testing.T) {
	pt := `{ owner: aleo1x.private, amount: 300000u128.private }`
	if v, ok := TokenAmount(pt); !ok || v != 300000 {
		t.Fatalf("TokenAmount = (%d,%v)", v, ok)
	}
}

func TestOpaquePayloadChecks(t *testing.T) {
	r := Opaque{Plaintext: agreementPlaintext}
	if !r.HasPlaintext() {
		t.Fatalf("HasPlaintext false for well-formed plaintext")
	}
	r = Opaque{Ciphertext: "record1qyqsp..."}
	if !r.HasCiphertext() {
		t.Fatalf("HasCiphertext false for record1 ciphertext")
	}
	r = Opaque{Ciphertext: "garbage"}
	if r.HasCiphertext() {
		t.Fatalf("HasCiphertext true for malformed ciphertext")
	}
}
