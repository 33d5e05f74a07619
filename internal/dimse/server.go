package dimse

import (
	"fmt"
	"net"
	"time"
)

// Accept performs the SCP side of association negotiation on an already
// accepted TCP connection. The acceptor decides per abstract syntax
// whether this service handles it; refused contexts are omitted from
// the AC. Transfer syntax selection prefers explicit VR little endian
// when the peer offers it.
func Accept(conn net.Conn, acceptor func(abstractSyntax string) bool) (*Assoc, error) {
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	p, err := readPDU(conn)
	if err != nil {
		return nil, fmt.Errorf("read A-ASSOCIATE-RQ: %w", err)
	}
	if p.Type != pduAssociateRQ {
		return nil, fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type 0x%02X", p.Type)
	}
	fields, err := parseAssociate(p.Data, false)
	if err != nil {
		return nil, fmt.Errorf("parse A-ASSOCIATE-RQ: %w", err)
	}

	var accepted []PresContext
	contexts := make(map[byte]PresContext)
	for _, prop := range fields.proposed {
		if !acceptor(prop.AbstractSyntax) {
			continue
		}
		ts, ok := pickTransferSyntax(prop.TransferSyntaxes)
		if !ok {
			continue
		}
		pc := PresContext{ID: prop.ID, AbstractSyntax: prop.AbstractSyntax, TransferSyntax: ts}
		accepted = append(accepted, pc)
		contexts[pc.ID] = pc
	}
	if len(accepted) == 0 {
		// result=1 (rejected permanent), source=1 (service user),
		// reason=2 (application context not supported is the closest fit)
		_ = writePDU(conn, pduAssociateRJ, []byte{0x00, 0x01, 0x01, 0x02})
		return nil, fmt.Errorf("no acceptable presentation contexts from %q", fields.callingAE)
	}

	ac := buildAssociateAC(fields.callingAE, fields.calledAE, accepted)
	if err := writePDU(conn, pduAssociateAC, ac); err != nil {
		return nil, fmt.Errorf("send A-ASSOCIATE-AC: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &Assoc{conn: conn, maxPDU: fields.maxPDULength, contexts: contexts}, nil
}

func pickTransferSyntax(offered []string) (string, bool) {
	for _, ts := range offered {
		if ts == ExplicitVRLittleEndian {
			return ts, true
		}
	}
	for _, ts := range offered {
		if ts == ImplicitVRLittleEndian {
			return ts, true
		}
	}
	return "", false
}
