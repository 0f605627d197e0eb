// Package record models the opaque records the zero-knowledge program emits
// as transaction outputs, and classifies decrypted plaintexts into their
// semantic kinds. The program does not label its own output types, so
// classification is structural: it looks only at which field names are
// present.
package record

import (
	"regexp"
	"strings"

	"github.com/Mr-Ben-dev/ZkWork/pkg/field"
)

// Opaque is one wallet-held record as reported by the record store. Records
// are immutable once emitted; Spent is the only attribute that ever changes,
// and only inside the external program.
type Opaque struct {
	Owner        string `json:"owner"`
	Spent        bool   `json:"spent"`
	FunctionName string `json:"functionName"`
	ProgramName  string `json:"programName"`
	BlockHeight  uint64 `json:"blockHeight"`
	Commitment   string `json:"commitment"`
	Plaintext    string `json:"plaintext,omitempty"`
	Ciphertext   string `json:"recordCiphertext,omitempty"`
}

// CiphertextPrefix marks a well-formed record ciphertext.
const CiphertextPrefix = "record1"

// HasPlaintext reports whether the record carries a usable decrypted payload.
func (o Opaque) HasPlaintext() bool {
	return strings.Contains(o.Plaintext, "{")
}

// HasCiphertext reports whether the record carries decryptable ciphertext.
func (o Opaque) HasCiphertext() bool {
	return strings.HasPrefix(o.Ciphertext, CiphertextPrefix)
}

// ParseFields splits a record plaintext of the form
//
//	{ owner: aleo1...private, salary: 100000000u64.private, ... }
//
// into a name to raw-value map. Nested aggregate values (structs, arrays)
// are kept verbatim. Input that is not brace-delimited yields an empty map.
func ParseFields(plaintext string) map[string]string {
	out := map[string]string{}
	open := strings.IndexByte(plaintext, '{')
	close := strings.LastIndexByte(plaintext, '}')
	if open < 0 || close <= open {
		return out
	}
	body := plaintext[open+1 : close]

	depth := 0
	start := 0
	var parts []string
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, body[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, body[start:])

	for _, p := range parts {
		kv := strings.SplitN(p, ":", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

var (
	salaryRe       = regexp.MustCompile(`salary\s*:\s*(\d+)u64`)
	agreementIDRe  = regexp.MustCompile(`agreement_id\s*:\s*(\d+field)`)
	descHashRe     = regexp.MustCompile(`description_hash\s*:\s*(\d+field)`)
	deliverableRe  = regexp.MustCompile(`deliverable_hash\s*:\s*(\d+field)`)
	microcreditsRe = regexp.MustCompile(`microcredits\s*:\s*([\d_]+)u64`)
	tokenAmountRe  = regexp.MustCompile(`amount\s*:\s*([\d_]+)u128`)
)

// Salary extracts the u64 salary from an Agreement or JobOffer plaintext.
func Salary(plaintext string) (uint64, bool) {
	return matchUint(salaryRe, plaintext)
}

// AgreementID extracts the program-assigned agreement identifier.
func AgreementID(plaintext string) (string, bool) {
	m := agreementIDRe.FindStringSubmatch(plaintext)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// DescriptionHash extracts the content hash of the job title and description.
func DescriptionHash(plaintext string) (string, bool) {
	m := descHashRe.FindStringSubmatch(plaintext)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// DeliverableHash extracts the deliverable content hash.
func DeliverableHash(plaintext string) (string, bool) {
	m := deliverableRe.FindStringSubmatch(plaintext)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Microcredits parses the balance of a native credits record, from either
// the raw plaintext or the structured field map.
func Microcredits(plaintext string) (uint64, bool) {
	if v, ok := matchUint(microcreditsRe, plaintext); ok {
		return v, true
	}
	if v, ok := ParseFields(plaintext)["microcredits"]; ok {
		return field.ParseUint(v)
	}
	return 0, false
}

// TokenAmount parses the u128 balance of a stable-token record.
func TokenAmount(plaintext string) (uint64, bool) {
	if v, ok := matchUint(tokenAmountRe, plaintext); ok {
		return v, true
	}
	if v, ok := ParseFields(plaintext)["amount"]; ok {
		return field.ParseUint(v)
	}
	return 0, false
}

// CompletedJobs parses the claimed-jobs counter of a reputation record.
func CompletedJobs(plaintext string) (uint64, bool) {
	if v, ok := ParseFields(plaintext)["completed_jobs"]; ok {
		return field.ParseUint(v)
	}
	return 0, false
}

func matchUint(re *regexp.Regexp, s string) (uint64, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	return field.ParseUint(strings.ReplaceAll(m[1], "_", "") + "u64")
}
