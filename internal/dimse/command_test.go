package dimse

import (
	"encoding/binary"
	"testing"
)

func TestCommandEncodeDecodeEchoRQ(t *testing.T) {
	in := &Command{
		CommandField:        CEchoRQ,
		AffectedSOPClassUID: VerificationSOPClass,
		MessageID:           7,
		CommandDataSetType:  NoDataSet,
	}
	out, err := DecodeCommand(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CommandField != CEchoRQ || out.MessageID != 7 {
		t.Errorf("decoded = %+v", out)
	}
	if out.AffectedSOPClassUID != VerificationSOPClass {
		t.Errorf("sop class = %q", out.AffectedSOPClassUID)
	}
	if out.HasDataset() {
		t.Error("echo request must not announce a dataset")
	}
}

func TestCommandEncodeDecodeFindRQ(t *testing.T) {
	in := &Command{
		CommandField:        CFindRQ,
		AffectedSOPClassUID: StudyRootQueryRetrieveFind,
		MessageID:           1,
		CommandDataSetType:  0x0000,
	}
	out, err := DecodeCommand(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.HasDataset() {
		t.Error("find request must announce a dataset")
	}
	if out.Priority != 0 {
		t.Errorf("priority = %d", out.Priority)
	}
}

func TestCommandEncodeDecodeMoveRSPCounters(t *testing.T) {
	in := &Command{
		CommandField:                   CMoveRSP,
		AffectedSOPClassUID:            StudyRootQueryRetrieveMove,
		MessageIDBeingRespondedTo:      3,
		CommandDataSetType:             NoDataSet,
		Status:                         StatusSuccess,
		NumberOfCompletedSuboperations: u16ptr(150),
		NumberOfFailedSuboperations:    u16ptr(0),
	}
	out, err := DecodeCommand(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MessageIDBeingRespondedTo != 3 || out.Status != StatusSuccess {
		t.Errorf("decoded = %+v", out)
	}
	if out.NumberOfCompletedSuboperations == nil || *out.NumberOfCompletedSuboperations != 150 {
		t.Errorf("completed = %v", out.NumberOfCompletedSuboperations)
	}
	if out.NumberOfFailedSuboperations == nil || *out.NumberOfFailedSuboperations != 0 {
		t.Errorf("failed = %v", out.NumberOfFailedSuboperations)
	}
	if out.NumberOfRemainingSuboperations != nil || out.NumberOfWarningSuboperations != nil {
		t.Error("absent counters must stay nil")
	}
}

func TestCommandEncodeDecodeStoreRQ(t *testing.T) {
	in := &Command{
		CommandField:           CStoreRQ,
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		AffectedSOPInstanceUID: "1.2.3.4.5",
		MessageID:              12,
		CommandDataSetType:     0x0000,
	}
	out, err := DecodeCommand(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.AffectedSOPInstanceUID != "1.2.3.4.5" {
		t.Errorf("sop instance = %q", out.AffectedSOPInstanceUID)
	}
}

func TestCommandEncodeMoveDestination(t *testing.T) {
	in := &Command{
		CommandField:        CMoveRQ,
		AffectedSOPClassUID: StudyRootQueryRetrieveMove,
		MessageID:           2,
		MoveDestination:     "AHJO-loader",
		CommandDataSetType:  0x0000,
	}
	out, err := DecodeCommand(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MoveDestination != "AHJO-loader" {
		t.Errorf("move destination = %q", out.MoveDestination)
	}
}

func TestCommandGroupLength(t *testing.T) {
	raw := (&Command{
		CommandField:        CEchoRQ,
		AffectedSOPClassUID: VerificationSOPClass,
		MessageID:           1,
		CommandDataSetType:  NoDataSet,
	}).Encode()

	if len(raw) < 12 {
		t.Fatalf("encoded command too short: %d bytes", len(raw))
	}
	if g := binary.LittleEndian.Uint16(raw[0:2]); g != 0x0000 {
		t.Fatalf("first element group = 0x%04X", g)
	}
	if e := binary.LittleEndian.Uint16(raw[2:4]); e != 0x0000 {
		t.Fatalf("first element = 0x%04X, want group length", e)
	}
	gl := binary.LittleEndian.Uint32(raw[8:12])
	if int(gl) != len(raw)-12 {
		t.Errorf("group length = %d, want %d", gl, len(raw)-12)
	}
}

func TestDecodeCommandDefaultsToNoDataset(t *testing.T) {
	// A command set without (0000,0800) means no dataset follows.
	var b DatasetBuilder
	var cf [2]byte
	binary.LittleEndian.PutUint16(cf[:], CEchoRSP)
	b.put(0x0000, 0x0100, cf[:])

	out, err := DecodeCommand(b.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.HasDataset() {
		t.Error("missing CommandDataSetType must default to no dataset")
	}
}

func TestDecodeCommandRequiresCommandField(t *testing.T) {
	var b DatasetBuilder
	b.PutUID(0x0000, 0x0002, VerificationSOPClass)
	if _, err := DecodeCommand(b.Bytes()); err == nil {
		t.Fatal("command set without CommandField must be rejected")
	}
}

func TestIsPending(t *testing.T) {
	if !IsPending(StatusPending) || !IsPending(StatusPendingWarning) {
		t.Error("pending statuses not recognised")
	}
	if IsPending(StatusSuccess) || IsPending(StatusUnableToProcess) {
		t.Error("non-pending status reported pending")
	}
}
