package dimse

import (
	"bytes"
	"encoding/binary"
)

// WrapFileMeta prepends a synthesised file header to a raw dataset
// received over the network. Network datasets carry no group 0002, so
// to hand them to a file-oriented parser we rebuild it: 128-byte
// preamble, DICM magic, and an explicit-VR little endian meta group
// derived from the command set and the negotiated transfer syntax.
func WrapFileMeta(dataset []byte, sopClassUID, sopInstanceUID, transferSyntaxUID string) []byte {
	var meta bytes.Buffer
	writeMetaElement(&meta, 0x0001, "OB", []byte{0x00, 0x01})
	writeMetaElement(&meta, 0x0002, "UI", padded(sopClassUID, 0))
	writeMetaElement(&meta, 0x0003, "UI", padded(sopInstanceUID, 0))
	writeMetaElement(&meta, 0x0010, "UI", padded(transferSyntaxUID, 0))
	writeMetaElement(&meta, 0x0012, "UI", padded(implementationClassUID, 0))
	writeMetaElement(&meta, 0x0013, "SH", padded(implementationVersionName, ' '))

	var out bytes.Buffer
	out.Grow(132 + 12 + meta.Len() + len(dataset))
	out.Write(make([]byte, 128))
	out.WriteString("DICM")

	// FileMetaInformationGroupLength counts the bytes after itself.
	var gl [4]byte
	binary.LittleEndian.PutUint32(gl[:], uint32(meta.Len()))
	writeMetaElement(&out, 0x0000, "UL", gl[:])

	out.Write(meta.Bytes())
	out.Write(dataset)
	return out.Bytes()
}

// writeMetaElement encodes one group 0002 element in explicit VR little
// endian. OB takes the long header form with a reserved word; the short
// VRs used here fit the 2-byte length form.
func writeMetaElement(buf *bytes.Buffer, elem uint16, vr string, value []byte) {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], 0x0002)
	binary.LittleEndian.PutUint16(hdr[2:4], elem)
	buf.Write(hdr[:])
	buf.WriteString(vr)
	if vr == "OB" {
		var l [6]byte
		binary.LittleEndian.PutUint32(l[2:6], uint32(len(value)))
		buf.Write(l[:])
	} else {
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(value)))
		buf.Write(l[:])
	}
	buf.Write(value)
}
