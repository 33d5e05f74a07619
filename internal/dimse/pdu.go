package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Upper Layer PDU types.
const (
	pduAssociateRQ = 0x01
	pduAssociateAC = 0x02
	pduAssociateRJ = 0x03
	pduDataTF      = 0x04
	pduReleaseRQ   = 0x05
	pduReleaseRP   = 0x06
	pduAbort       = 0x07
)

const defaultMaxPDULength = 16384

type pdu struct {
	Type byte
	Data []byte
}

// readPDU reads one complete PDU: a 6-byte header (type, reserved,
// big-endian length) followed by the payload.
func readPDU(r io.Reader) (*pdu, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read PDU body: %w", err)
	}
	return &pdu{Type: header[0], Data: data}, nil
}

func writePDU(w io.Writer, pduType byte, data []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ProposedContext is one presentation context offered in an
// A-ASSOCIATE-RQ: an abstract syntax with its candidate transfer syntaxes.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresContext is a negotiated presentation context.
type PresContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
}

func padAE(ae string) []byte {
	if len(ae) > 16 {
		ae = ae[:16]
	}
	return []byte(fmt.Sprintf("%-16s", ae))
}

func trimAE(raw []byte) string {
	s := string(raw)
	if i := strings.IndexByte(s, 0); i != -1 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func writeItem(buf *bytes.Buffer, itemType byte, value []byte) {
	buf.WriteByte(itemType)
	buf.WriteByte(0x00)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(value)))
	buf.Write(l[:])
	buf.Write(value)
}

// buildAssociateRQ assembles an A-ASSOCIATE-RQ payload: fixed fields,
// application context, one presentation context item per proposal, and
// the user information item carrying our max PDU length.
func buildAssociateRQ(callingAE, calledAE string, proposed []ProposedContext) []byte {
	var buf bytes.Buffer

	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], padAE(calledAE))
	copy(fixed[20:36], padAE(callingAE))
	buf.Write(fixed)

	writeItem(&buf, 0x10, []byte(ApplicationContextName))

	for _, pc := range proposed {
		var item bytes.Buffer
		item.WriteByte(pc.ID)
		item.Write([]byte{0x00, 0x00, 0x00})
		writeItem(&item, 0x30, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			writeItem(&item, 0x40, []byte(ts))
		}
		writeItem(&buf, 0x20, item.Bytes())
	}

	buf.Write(buildUserInformation())
	return buf.Bytes()
}

// buildAssociateAC assembles the A-ASSOCIATE-AC payload. Only accepted
// contexts are included; some peers reject ACs that echo back rejected
// contexts even though the standard asks for them.
func buildAssociateAC(callingAE, calledAE string, accepted []PresContext) []byte {
	var buf bytes.Buffer

	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], padAE(calledAE))
	copy(fixed[20:36], padAE(callingAE))
	buf.Write(fixed)

	writeItem(&buf, 0x10, []byte(ApplicationContextName))

	for _, pc := range accepted {
		var item bytes.Buffer
		item.WriteByte(pc.ID)
		item.Write([]byte{0x00, 0x00, 0x00}) // reserved, result=0 (acceptance), reserved
		writeItem(&item, 0x40, []byte(pc.TransferSyntax))
		writeItem(&buf, 0x21, item.Bytes())
	}

	buf.Write(buildUserInformation())
	return buf.Bytes()
}

func buildUserInformation() []byte {
	var ui bytes.Buffer
	var maxPDU [4]byte
	binary.BigEndian.PutUint32(maxPDU[:], defaultMaxPDULength)
	writeItem(&ui, 0x51, maxPDU[:])
	writeItem(&ui, 0x52, []byte(implementationClassUID))
	writeItem(&ui, 0x55, []byte(implementationVersionName))

	var out bytes.Buffer
	writeItem(&out, 0x50, ui.Bytes())
	return out.Bytes()
}

// associateFields holds everything parsed out of an RQ or AC payload.
type associateFields struct {
	calledAE     string
	callingAE    string
	maxPDULength uint32
	// RQ side: proposals keyed by context ID. AC side: results.
	proposed []ProposedContext
	accepted []PresContext
}

func parseAssociate(data []byte, isAC bool) (*associateFields, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("associate PDU too short: %d bytes", len(data))
	}
	f := &associateFields{
		calledAE:     trimAE(data[4:20]),
		callingAE:    trimAE(data[20:36]),
		maxPDULength: defaultMaxPDULength,
	}

	off := 68
	for off+4 <= len(data) {
		itemType := data[off]
		itemLen := binary.BigEndian.Uint16(data[off+2 : off+4])
		start := off + 4
		end := start + int(itemLen)
		if end > len(data) {
			return nil, fmt.Errorf("associate item 0x%02X exceeds PDU length", itemType)
		}
		item := data[start:end]

		switch itemType {
		case 0x20: // presentation context (RQ)
			pc, err := parseProposedContext(item)
			if err != nil {
				return nil, err
			}
			f.proposed = append(f.proposed, *pc)
		case 0x21: // presentation context (AC)
			pc, ok, err := parseAcceptedContext(item)
			if err != nil {
				return nil, err
			}
			if ok {
				f.accepted = append(f.accepted, *pc)
			}
		case 0x50: // user information
			if v := parseMaxPDULength(item); v > 0 {
				f.maxPDULength = v
			}
		}
		off = end
	}

	if isAC && len(f.accepted) == 0 {
		return nil, fmt.Errorf("peer accepted no presentation contexts")
	}
	return f, nil
}

func parseProposedContext(item []byte) (*ProposedContext, error) {
	if len(item) < 4 {
		return nil, fmt.Errorf("presentation context item too short")
	}
	pc := &ProposedContext{ID: item[0]}
	off := 4
	for off+4 <= len(item) {
		subType := item[off]
		subLen := binary.BigEndian.Uint16(item[off+2 : off+4])
		start := off + 4
		end := start + int(subLen)
		if end > len(item) {
			return nil, fmt.Errorf("presentation context %d: sub-item exceeds length", pc.ID)
		}
		value := strings.TrimRight(string(item[start:end]), "\x00 ")
		switch subType {
		case 0x30:
			pc.AbstractSyntax = value
		case 0x40:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, value)
		}
		off = end
	}
	if pc.AbstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d: missing abstract syntax", pc.ID)
	}
	return pc, nil
}

func parseAcceptedContext(item []byte) (*PresContext, bool, error) {
	if len(item) < 4 {
		return nil, false, fmt.Errorf("presentation context item too short")
	}
	id, result := item[0], item[2]
	if result != 0x00 {
		return nil, false, nil
	}
	pc := &PresContext{ID: id}
	off := 4
	for off+4 <= len(item) {
		subType := item[off]
		subLen := binary.BigEndian.Uint16(item[off+2 : off+4])
		start := off + 4
		end := start + int(subLen)
		if end > len(item) {
			return nil, false, fmt.Errorf("presentation context %d: sub-item exceeds length", id)
		}
		if subType == 0x40 {
			pc.TransferSyntax = strings.TrimRight(string(item[start:end]), "\x00 ")
		}
		off = end
	}
	if pc.TransferSyntax == "" {
		return nil, false, fmt.Errorf("accepted presentation context %d has no transfer syntax", id)
	}
	return pc, true, nil
}

func parseMaxPDULength(item []byte) uint32 {
	off := 0
	for off+4 <= len(item) {
		subType := item[off]
		subLen := binary.BigEndian.Uint16(item[off+2 : off+4])
		start := off + 4
		end := start + int(subLen)
		if end > len(item) {
			return 0
		}
		if subType == 0x51 && subLen == 4 {
			return binary.BigEndian.Uint32(item[start:end])
		}
		off = end
	}
	return 0
}

// rejectReason decodes the A-ASSOCIATE-RJ payload into a readable string.
func rejectReason(data []byte) string {
	if len(data) < 4 {
		return "association rejected"
	}
	source, reason := data[2], data[3]
	return fmt.Sprintf("association rejected (result=%d source=%d reason=%d)", data[1], source, reason)
}
