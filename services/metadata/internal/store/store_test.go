package store

import "testing"

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{AgreementActive, AgreementFunded, true},
		{AgreementFunded, AgreementDelivered, true},
		{AgreementDelivered, AgreementCompleted, true},
		{AgreementFunded, AgreementRefunded, true},
		{AgreementDelivered, AgreementRefunded, true},
		{AgreementActive, AgreementCompleted, false},
		{AgreementCompleted, AgreementRefunded, false},
		{AgreementRefunded, AgreementFunded, false},
		{AgreementActive, "bogus", false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
