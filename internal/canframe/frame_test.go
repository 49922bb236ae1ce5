package canframe

import "testing"

func TestParseValidLine(t *testing.T) {
	line := "Timestamp:          0.000271        ID: 0080    000    DLC: 8    00 17 dc 09 16 11 16 bb"
	f, ok := Parse(line)
	if !ok {
		t.Fatalf("expected parse success")
	}
	if f.CANID != "0x0080" {
		t.Errorf("CANID = %q, want 0x0080", f.CANID)
	}
	if f.DLC != 8 || len(f.Payload) != 8 {
		t.Errorf("DLC/payload mismatch: dlc=%d payload=%d", f.DLC, len(f.Payload))
	}
	if f.IsAttack {
		t.Errorf("expected IsAttack=false")
	}
}

func TestParseAttackSuffix(t *testing.T) {
	line := "Timestamp:          0.000271        ID: 0080ATK    000    DLC: 0"
	f, ok := Parse(line)
	if !ok {
		t.Fatalf("expected parse success")
	}
	if !f.IsAttack {
		t.Errorf("expected IsAttack=true")
	}
	if f.CANID != "0x0080" {
		t.Errorf("CANID = %q, want 0x0080", f.CANID)
	}
}

func TestParseEmptyAndComment(t *testing.T) {
	for _, line := range []string{"", "   ", "# comment"} {
		if _, ok := Parse(line); ok {
			t.Errorf("expected parse failure for %q", line)
		}
	}
}

func TestParseDLCZeroWithoutPayload(t *testing.T) {
	line := "Timestamp:          0.000495        ID: 0000    000    DLC: 0"
	f, ok := Parse(line)
	if !ok {
		t.Fatalf("expected parse success")
	}
	if f.DLC != 0 || len(f.Payload) != 0 {
		t.Errorf("expected empty payload for dlc=0")
	}
}

func TestParsePayloadLengthMismatch(t *testing.T) {
	line := "Timestamp:          0.000495        ID: 0000    000    DLC: 4    00 00"
	if _, ok := Parse(line); ok {
		t.Errorf("expected parse failure on payload/dlc mismatch")
	}
}

func TestNewRejectsLengthMismatch(t *testing.T) {
	if _, err := New(0, "123", 2, []byte{1}, "", false); err == nil {
		t.Errorf("expected error on payload/dlc mismatch")
	}
}
