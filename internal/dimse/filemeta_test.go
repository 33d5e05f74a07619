package dimse

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func TestWrapFileMetaStructure(t *testing.T) {
	dataset := []byte{0x01, 0x02, 0x03, 0x04}
	raw := WrapFileMeta(dataset, "1.2.840.10008.5.1.4.1.1.2", "1.2.3.4", ImplicitVRLittleEndian)

	for i, b := range raw[:128] {
		if b != 0 {
			t.Fatalf("preamble byte %d = 0x%02X, want 0", i, b)
		}
	}
	if string(raw[128:132]) != "DICM" {
		t.Fatalf("magic = %q", raw[128:132])
	}
	if g := binary.LittleEndian.Uint16(raw[132:134]); g != 0x0002 {
		t.Fatalf("first meta group = 0x%04X", g)
	}
	if e := binary.LittleEndian.Uint16(raw[134:136]); e != 0x0000 {
		t.Fatalf("first meta element = 0x%04X, want group length", e)
	}
	if vr := string(raw[136:138]); vr != "UL" {
		t.Fatalf("group length VR = %q", vr)
	}
	metaLen := binary.LittleEndian.Uint32(raw[140:144])
	// The group length counts everything between itself and the dataset.
	if int(144+metaLen)+len(dataset) != len(raw) {
		t.Errorf("meta group length %d does not line up with %d total bytes", metaLen, len(raw))
	}
	if !bytes.HasSuffix(raw, dataset) {
		t.Error("dataset bytes not appended after file meta")
	}
}

func TestWrapFileMetaParseable(t *testing.T) {
	var b DatasetBuilder
	b.PutString(0x0008, 0x0050, "ACC100")
	b.PutString(0x0008, 0x0060, "CT")
	b.PutString(0x0010, 0x0010, "Doe^Jane")
	b.PutUID(0x0020, 0x000D, "1.2.840.113619.2.5.1")

	raw := WrapFileMeta(b.Bytes(), "1.2.840.10008.5.1.4.1.1.2", "1.2.3.4.5", ImplicitVRLittleEndian)

	ds, err := dicom.Parse(bytes.NewReader(raw), int64(len(raw)), nil)
	if err != nil {
		t.Fatalf("parse wrapped dataset: %v", err)
	}

	ts, err := ds.FindElementByTag(tag.TransferSyntaxUID)
	if err != nil {
		t.Fatalf("transfer syntax missing: %v", err)
	}
	if got := strings.Trim(ts.Value.String(), " []"); got != ImplicitVRLittleEndian {
		t.Errorf("transfer syntax = %q", got)
	}
	acc, err := ds.FindElementByTag(tag.AccessionNumber)
	if err != nil {
		t.Fatalf("accession missing: %v", err)
	}
	if got := strings.Trim(acc.Value.String(), " []"); got != "ACC100" {
		t.Errorf("accession = %q", got)
	}
	uid, err := ds.FindElementByTag(tag.StudyInstanceUID)
	if err != nil {
		t.Fatalf("study uid missing: %v", err)
	}
	if got := strings.Trim(uid.Value.String(), " []"); got != "1.2.840.113619.2.5.1" {
		t.Errorf("study uid = %q", got)
	}
}
