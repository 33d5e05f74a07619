package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DIMSE command field values.
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CFindRQ   uint16 = 0x0020
	CFindRSP  uint16 = 0x8020
	CMoveRQ   uint16 = 0x0021
	CMoveRSP  uint16 = 0x8021
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
)

// DIMSE status values this tool cares about.
const (
	StatusSuccess         uint16 = 0x0000
	StatusPending         uint16 = 0xFF00
	StatusPendingWarning  uint16 = 0xFF01
	StatusUnableToProcess uint16 = 0xC000
	StatusCancelled       uint16 = 0xFE00
)

// NoDataSet is the CommandDataSetType value meaning no dataset follows.
// Any other value announces one.
const NoDataSet uint16 = 0x0101

// IsPending reports whether s is one of the two pending statuses.
func IsPending(s uint16) bool {
	return s == StatusPending || s == StatusPendingWarning
}

// Command is a decoded DIMSE command set. Sub-operation counters are
// pointers because their absence is meaningful: only C-MOVE responses
// carry them, and only when the archive chooses to report progress.
type Command struct {
	CommandField              uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MoveDestination           string

	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// HasDataset reports whether a dataset follows this command on the wire.
func (c *Command) HasDataset() bool {
	return c.CommandDataSetType != NoDataSet
}

// Encode serialises the command set as implicit VR little endian,
// prefixed with the mandatory CommandGroupLength element.
func (c *Command) Encode() []byte {
	var body bytes.Buffer
	putUI := func(elem uint16, v string) {
		if v == "" {
			return
		}
		writeRaw(&body, 0x0000, elem, padded(v, 0))
	}
	putAE := func(elem uint16, v string) {
		if v == "" {
			return
		}
		writeRaw(&body, 0x0000, elem, padded(v, ' '))
	}
	putUS := func(elem uint16, v uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		writeRaw(&body, 0x0000, elem, b[:])
	}
	putUSOpt := func(elem uint16, v *uint16) {
		if v != nil {
			putUS(elem, *v)
		}
	}

	putUI(0x0002, c.AffectedSOPClassUID)
	putUS(0x0100, c.CommandField)
	if c.MessageID != 0 || isRequest(c.CommandField) {
		putUS(0x0110, c.MessageID)
	}
	if !isRequest(c.CommandField) {
		putUS(0x0120, c.MessageIDBeingRespondedTo)
	}
	putAE(0x0600, c.MoveDestination)
	if isRequest(c.CommandField) && c.CommandField != CEchoRQ {
		putUS(0x0700, c.Priority)
	}
	putUS(0x0800, c.CommandDataSetType)
	if !isRequest(c.CommandField) {
		putUS(0x0900, c.Status)
	}
	putUI(0x1000, c.AffectedSOPInstanceUID)
	putUSOpt(0x1020, c.NumberOfRemainingSuboperations)
	putUSOpt(0x1021, c.NumberOfCompletedSuboperations)
	putUSOpt(0x1022, c.NumberOfFailedSuboperations)
	putUSOpt(0x1023, c.NumberOfWarningSuboperations)

	// CommandGroupLength (0000,0000) UL counts everything after itself.
	var out bytes.Buffer
	var gl [4]byte
	binary.LittleEndian.PutUint32(gl[:], uint32(body.Len()))
	writeRaw(&out, 0x0000, 0x0000, gl[:])
	out.Write(body.Bytes())
	return out.Bytes()
}

// DecodeCommand parses an implicit-VR command set.
func DecodeCommand(data []byte) (*Command, error) {
	elems, err := ParseImplicit(data)
	if err != nil {
		return nil, fmt.Errorf("parse command set: %w", err)
	}
	c := &Command{CommandDataSetType: NoDataSet}
	for _, e := range elems {
		if e.Group != 0x0000 {
			continue
		}
		switch e.Elem {
		case 0x0002:
			c.AffectedSOPClassUID = e.String()
		case 0x0100:
			c.CommandField = e.Uint16()
		case 0x0110:
			c.MessageID = e.Uint16()
		case 0x0120:
			c.MessageIDBeingRespondedTo = e.Uint16()
		case 0x0600:
			c.MoveDestination = e.String()
		case 0x0700:
			c.Priority = e.Uint16()
		case 0x0800:
			c.CommandDataSetType = e.Uint16()
		case 0x0900:
			c.Status = e.Uint16()
		case 0x1000:
			c.AffectedSOPInstanceUID = e.String()
		case 0x1020:
			c.NumberOfRemainingSuboperations = u16ptr(e.Uint16())
		case 0x1021:
			c.NumberOfCompletedSuboperations = u16ptr(e.Uint16())
		case 0x1022:
			c.NumberOfFailedSuboperations = u16ptr(e.Uint16())
		case 0x1023:
			c.NumberOfWarningSuboperations = u16ptr(e.Uint16())
		}
	}
	if c.CommandField == 0 {
		return nil, fmt.Errorf("command set missing CommandField")
	}
	return c, nil
}

func isRequest(field uint16) bool {
	return field&0x8000 == 0
}

func u16ptr(v uint16) *uint16 { return &v }

func writeRaw(buf *bytes.Buffer, group, elem uint16, value []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:2], group)
	binary.LittleEndian.PutUint16(hdr[2:4], elem)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(value)))
	buf.Write(hdr[:])
	buf.Write(value)
}
