package record

// Kind is the semantic type of a decrypted record, deduced from the set of
// field names present in its payload.
type Kind string

const (
	KindUnknown           Kind = "Unknown"
	KindWorkerProfile     Kind = "WorkerProfile"
	KindJobOffer          Kind = "JobOffer"
	KindAgreement         Kind = "Agreement"
	KindEscrowReceipt     Kind = "EscrowReceipt"
	KindDeliveryNotice    Kind = "DeliveryNotice"
	KindCompletionReceipt Kind = "CompletionReceipt"
	KindReputationRecord  Kind = "ReputationRecord"
	KindThresholdProof    Kind = "ThresholdProof"
)

type rule struct {
	kind  Kind
	match func(has func(string) bool) bool
}

// rules is an ordered chain; the first matching predicate wins. The order is
// load-bearing: EscrowReceipt, DeliveryNotice and CompletionReceipt share the
// agreement_id field, and Agreement must be tested before any of them so a
// payload carrying client+worker is never misread as a receipt.
var rules = []rule{
	{KindWorkerProfile, func(has func(string) bool) bool {
		return has("skills_hash") && has("rate")
	}},
	{KindJobOffer, func(has func(string) bool) bool {
		// The program names the offer amount "salary"; older deployments
		// used "budget". Both shapes carry a deadline.
		return has("deadline") && (has("budget") || has("salary"))
	}},
	{KindAgreement, func(has func(string) bool) bool {
		return has("client") && has("worker") && has("job_id")
	}},
	{KindEscrowReceipt, func(has func(string) bool) bool {
		return has("agreement_id") && has("escrow_commitment") && !has("client")
	}},
	{KindDeliveryNotice, func(has func(string) bool) bool {
		return has("agreement_id") && has("deliverable_hash") && !has("salary") && !has("completed_at")
	}},
	{KindCompletionReceipt, func(has func(string) bool) bool {
		return has("agreement_id") && has("deliverable_hash") && !has("client")
	}},
	{KindReputationRecord, func(has func(string) bool) bool {
		return has("completed_jobs") && has("rep_commitment") && has("score")
	}},
	{KindThresholdProof, func(has func(string) bool) bool {
		return has("threshold") && has("verifier")
	}},
}

// Classify determines the Kind of a parsed payload. It is total over any
// field set, tolerates unknown extra fields, and ignores the owner field and
// the _nonce the runtime appends to every record.
func Classify(fields map[string]string) Kind {
	has := func(name string) bool {
		if name == "owner" {
			return false
		}
		_, ok := fields[name]
		return ok
	}
	for _, r := range rules {
		if r.match(has) {
			return r.kind
		}
	}
	return KindUnknown
}

// ClassifyPlaintext parses and classifies a raw record plaintext.
func ClassifyPlaintext(plaintext string) Kind {
	return Classify(ParseFields(plaintext))
}
