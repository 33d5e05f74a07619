package dimse

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestParseImplicitRoundTrip(t *testing.T) {
	var b DatasetBuilder
	b.PutString(0x0008, 0x0050, "ACC100")
	b.PutUID(0x0020, 0x000D, "1.2.840.113619.2.5")
	b.PutString(0x0008, 0x0052, "STUDY")

	elems, err := ParseImplicit(b.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(elems) != 3 {
		t.Fatalf("got %d elements, want 3", len(elems))
	}
	if got := FindString(elems, 0x0008, 0x0050); got != "ACC100" {
		t.Errorf("accession = %q", got)
	}
	if got := FindString(elems, 0x0020, 0x000D); got != "1.2.840.113619.2.5" {
		t.Errorf("study uid = %q", got)
	}
	if got := FindString(elems, 0x0008, 0x0052); got != "STUDY" {
		t.Errorf("query level = %q", got)
	}
	if got := FindString(elems, 0x0010, 0x0010); got != "" {
		t.Errorf("absent tag = %q, want empty", got)
	}
}

func TestParseImplicitEvenPadding(t *testing.T) {
	var b DatasetBuilder
	b.PutString(0x0008, 0x0060, "CT")    // already even
	b.PutString(0x0008, 0x0050, "ACC")   // odd, space padded
	b.PutUID(0x0020, 0x000D, "1.2.3.45") // even uid
	b.PutUID(0x0020, 0x000E, "1.2.3.4")  // odd uid, NUL padded

	elems, err := ParseImplicit(b.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, e := range elems {
		if len(e.Value)%2 != 0 {
			t.Errorf("element (%04X,%04X) has odd length %d", e.Group, e.Elem, len(e.Value))
		}
	}
	if got := FindString(elems, 0x0008, 0x0050); got != "ACC" {
		t.Errorf("space-padded value = %q", got)
	}
	if got := FindString(elems, 0x0020, 0x000E); got != "1.2.3.4" {
		t.Errorf("nul-padded value = %q", got)
	}
}

func TestParseImplicitRejectsUndefinedLength(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint16(raw[0:2], 0x7FE0)
	binary.LittleEndian.PutUint16(raw[2:4], 0x0010)
	binary.LittleEndian.PutUint32(raw[4:8], 0xFFFFFFFF)

	if _, err := ParseImplicit(raw); err == nil {
		t.Fatal("undefined length must be rejected")
	} else if !strings.Contains(err.Error(), "undefined length") {
		t.Errorf("error = %v", err)
	}
}

func TestParseImplicitRejectsTruncatedValue(t *testing.T) {
	raw := make([]byte, 10)
	binary.LittleEndian.PutUint16(raw[0:2], 0x0008)
	binary.LittleEndian.PutUint16(raw[2:4], 0x0050)
	binary.LittleEndian.PutUint32(raw[4:8], 100)

	if _, err := ParseImplicit(raw); err == nil {
		t.Fatal("truncated value must be rejected")
	}
}

func TestParseImplicitRejectsTrailingGarbage(t *testing.T) {
	var b DatasetBuilder
	b.PutString(0x0008, 0x0060, "CT")
	raw := append(bytes.Clone(b.Bytes()), 0x01, 0x02, 0x03)

	if _, err := ParseImplicit(raw); err == nil {
		t.Fatal("trailing garbage must be rejected")
	}
}

func TestElementUint16(t *testing.T) {
	e := Element{Value: []byte{0x30, 0x80}}
	if got := e.Uint16(); got != 0x8030 {
		t.Errorf("Uint16 = 0x%04X, want 0x8030", got)
	}
	if got := (Element{Value: []byte{0x01}}).Uint16(); got != 0 {
		t.Errorf("short value = %d, want 0", got)
	}
}
