package dimse

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrReleased is returned by ReadMessage when the peer released the
// association cleanly. Server loops treat it as end of conversation.
var ErrReleased = errors.New("association released by peer")

// Assoc is an established association, either dialled (SCU side) or
// accepted (SCP side). It is not safe for concurrent use; DIMSE
// conversations are strictly request/response within one association.
type Assoc struct {
	conn     net.Conn
	maxPDU   uint32
	contexts map[byte]PresContext
	released bool
}

// ProposeContexts builds presentation context proposals from abstract
// syntaxes, all sharing the same transfer syntax candidates and odd
// context IDs 1, 3, 5, ...
func ProposeContexts(abstractSyntaxes, transferSyntaxes []string) []ProposedContext {
	proposed := make([]ProposedContext, len(abstractSyntaxes))
	for i, as := range abstractSyntaxes {
		proposed[i] = ProposedContext{
			ID:               byte(2*i + 1),
			AbstractSyntax:   as,
			TransferSyntaxes: transferSyntaxes,
		}
	}
	return proposed
}

// Dial connects to addr, negotiates an association with the given
// presentation context proposals, and returns the established
// association. The context governs the TCP connect and the negotiation
// round trip only.
func Dial(ctx context.Context, addr, callingAE, calledAE string, proposed []ProposedContext) (*Assoc, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	a, err := negotiate(conn, callingAE, calledAE, proposed)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return a, nil
}

func negotiate(conn net.Conn, callingAE, calledAE string, proposed []ProposedContext) (*Assoc, error) {
	rq := buildAssociateRQ(callingAE, calledAE, proposed)
	if err := writePDU(conn, pduAssociateRQ, rq); err != nil {
		return nil, fmt.Errorf("send A-ASSOCIATE-RQ: %w", err)
	}

	p, err := readPDU(conn)
	if err != nil {
		return nil, fmt.Errorf("read association response: %w", err)
	}
	switch p.Type {
	case pduAssociateAC:
	case pduAssociateRJ:
		return nil, errors.New(rejectReason(p.Data))
	default:
		return nil, fmt.Errorf("unexpected PDU type 0x%02X during negotiation", p.Type)
	}

	fields, err := parseAssociate(p.Data, true)
	if err != nil {
		return nil, fmt.Errorf("parse A-ASSOCIATE-AC: %w", err)
	}

	// The AC does not echo abstract syntaxes; map them back from our
	// proposals by context ID.
	byID := make(map[byte]string, len(proposed))
	for _, pc := range proposed {
		byID[pc.ID] = pc.AbstractSyntax
	}
	contexts := make(map[byte]PresContext, len(fields.accepted))
	for _, pc := range fields.accepted {
		pc.AbstractSyntax = byID[pc.ID]
		contexts[pc.ID] = pc
	}

	return &Assoc{conn: conn, maxPDU: fields.maxPDULength, contexts: contexts}, nil
}

// ContextFor returns the accepted presentation context for an abstract
// syntax, or false if the peer refused it.
func (a *Assoc) ContextFor(abstractSyntax string) (PresContext, bool) {
	for _, pc := range a.contexts {
		if pc.AbstractSyntax == abstractSyntax {
			return pc, true
		}
	}
	return PresContext{}, false
}

// Context returns the presentation context negotiated under the given ID.
func (a *Assoc) Context(id byte) (PresContext, bool) {
	pc, ok := a.contexts[id]
	return pc, ok
}

// WriteMessage sends a DIMSE command and its optional dataset on the
// given presentation context, fragmenting the dataset to the peer's
// maximum PDU length.
func (a *Assoc) WriteMessage(ctxID byte, cmd *Command, dataset []byte) error {
	if err := a.writePDV(ctxID, 0x03, cmd.Encode()); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	if len(dataset) == 0 {
		return nil
	}

	// Leave room for the PDU header, PDV length, context ID and control
	// header within the negotiated maximum.
	chunk := int(a.maxPDU) - 12
	if chunk <= 0 {
		chunk = defaultMaxPDULength - 12
	}
	for off := 0; off < len(dataset); off += chunk {
		end := off + chunk
		ctrl := byte(0x00)
		if end >= len(dataset) {
			end = len(dataset)
			ctrl = 0x02 // last fragment
		}
		if err := a.writePDV(ctxID, ctrl, dataset[off:end]); err != nil {
			return fmt.Errorf("send dataset fragment: %w", err)
		}
	}
	return nil
}

func (a *Assoc) writePDV(ctxID, ctrl byte, data []byte) error {
	var buf bytes.Buffer
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)+2))
	buf.Write(l[:])
	buf.WriteByte(ctxID)
	buf.WriteByte(ctrl)
	buf.Write(data)
	return writePDU(a.conn, pduDataTF, buf.Bytes())
}

// ReadMessage reads one complete DIMSE message: the command set and, if
// the command announces one, the full reassembled dataset. A clean
// release from the peer is answered and reported as ErrReleased.
func (a *Assoc) ReadMessage() (byte, *Command, []byte, error) {
	var ctxID byte
	var cmdBuf, dataBuf bytes.Buffer
	var cmd *Command

	for {
		p, err := readPDU(a.conn)
		if err != nil {
			return 0, nil, nil, err
		}
		switch p.Type {
		case pduDataTF:
			// fall through to PDV handling below
		case pduReleaseRQ:
			_ = writePDU(a.conn, pduReleaseRP, []byte{0x00, 0x00, 0x00, 0x00})
			return 0, nil, nil, ErrReleased
		case pduAbort:
			return 0, nil, nil, errors.New("association aborted by peer")
		default:
			return 0, nil, nil, fmt.Errorf("unexpected PDU type 0x%02X", p.Type)
		}

		off := 0
		for off+6 <= len(p.Data) {
			pdvLen := binary.BigEndian.Uint32(p.Data[off : off+4])
			if pdvLen < 2 || off+4+int(pdvLen) > len(p.Data) {
				return 0, nil, nil, fmt.Errorf("malformed PDV at offset %d", off)
			}
			ctxID = p.Data[off+4]
			ctrl := p.Data[off+5]
			value := p.Data[off+6 : off+4+int(pdvLen)]
			off += 4 + int(pdvLen)

			if ctrl&0x01 == 0x01 { // command fragment
				cmdBuf.Write(value)
				if ctrl&0x02 == 0x02 { // last command fragment
					cmd, err = DecodeCommand(cmdBuf.Bytes())
					if err != nil {
						return 0, nil, nil, err
					}
					if !cmd.HasDataset() {
						return ctxID, cmd, nil, nil
					}
				}
			} else { // dataset fragment
				dataBuf.Write(value)
				if ctrl&0x02 == 0x02 { // last dataset fragment
					if cmd == nil {
						return 0, nil, nil, errors.New("dataset PDV before command set")
					}
					return ctxID, cmd, dataBuf.Bytes(), nil
				}
			}
		}
	}
}

// Release performs the graceful A-RELEASE handshake and closes the
// connection. It is safe to call on any path; repeated calls are no-ops.
func (a *Assoc) Release() error {
	if a.released {
		return nil
	}
	a.released = true
	defer func() { _ = a.conn.Close() }()

	if err := writePDU(a.conn, pduReleaseRQ, []byte{0x00, 0x00, 0x00, 0x00}); err != nil {
		return fmt.Errorf("send A-RELEASE-RQ: %w", err)
	}
	_ = a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		p, err := readPDU(a.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("await A-RELEASE-RP: %w", err)
		}
		// Stray P-DATA between our release request and the reply is
		// discarded; the peer may still be flushing.
		if p.Type == pduReleaseRP {
			return nil
		}
	}
}

// Close tears the connection down without the release handshake.
func (a *Assoc) Close() error {
	a.released = true
	return a.conn.Close()
}
