package models

import (
	"testing"
	"time"
)

func TestCapabilityRecordStatus(t *testing.T) {
	exp := time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC)
	rec := &CapabilityRecord{StatementID: 1, TokenHash: "h", ExpiresAt: exp}

	cases := []struct {
		now  time.Time
		want CapabilityStatus
	}{
		{exp.Add(-time.Second), CapabilityActive},
		{exp, CapabilityExpired},
		{exp.Add(time.Hour), CapabilityExpired},
	}
	for _, tc := range cases {
		if got := rec.Status(tc.now); got != tc.want {
			t.Errorf("Status(%v) = %s, want %s", tc.now, got, tc.want)
		}
	}

	var none *CapabilityRecord
	if none.Status(exp) != CapabilityNone {
		t.Error("nil record should report none")
	}
	if (&CapabilityRecord{StatementID: 1}).Status(exp) != CapabilityNone {
		t.Error("record without a token should report none")
	}
}
