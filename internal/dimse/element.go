package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Element is a raw data element from an implicit-VR little endian stream:
// command sets and query identifiers both travel in this encoding. Values
// stay as bytes; callers decode only the fields they recognise, which is
// what keeps the safe-field extraction in the PACS client airtight.
type Element struct {
	Group uint16
	Elem  uint16
	Value []byte
}

// String returns the element value as trimmed text. DICOM pads string
// values to even length with spaces (UIDs with NUL).
func (e Element) String() string {
	return strings.TrimRight(string(e.Value), "\x00 ")
}

// Uint16 decodes a little-endian US value. Returns 0 for short values.
func (e Element) Uint16() uint16 {
	if len(e.Value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(e.Value)
}

// ParseImplicit decodes an implicit-VR little endian element stream.
func ParseImplicit(data []byte) ([]Element, error) {
	var elems []Element
	off := 0
	for off+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[off : off+2])
		elem := binary.LittleEndian.Uint16(data[off+2 : off+4])
		length := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += 8
		if length == 0xFFFFFFFF {
			return nil, fmt.Errorf("element (%04X,%04X): undefined length not supported", group, elem)
		}
		end := off + int(length)
		if end > len(data) {
			return nil, fmt.Errorf("element (%04X,%04X): value exceeds buffer (%d > %d)", group, elem, end, len(data))
		}
		elems = append(elems, Element{Group: group, Elem: elem, Value: data[off:end]})
		off = end
	}
	if off != len(data) {
		return nil, fmt.Errorf("trailing garbage after element stream: %d bytes", len(data)-off)
	}
	return elems, nil
}

// FindString returns the trimmed string value of (group,elem), or "".
func FindString(elems []Element, group, elem uint16) string {
	for _, e := range elems {
		if e.Group == group && e.Elem == elem {
			return e.String()
		}
	}
	return ""
}

// DatasetBuilder assembles an implicit-VR little endian element stream,
// used for C-FIND/C-MOVE identifiers. Elements must be added in ascending
// tag order; the archive side rejects unordered identifiers.
type DatasetBuilder struct {
	buf bytes.Buffer
}

// PutString appends a string element, padding to even length with spaces.
func (b *DatasetBuilder) PutString(group, elem uint16, value string) {
	b.put(group, elem, padded(value, ' '))
}

// PutUID appends a UID element, padding to even length with a NUL byte.
func (b *DatasetBuilder) PutUID(group, elem uint16, value string) {
	b.put(group, elem, padded(value, 0))
}

// Bytes returns the encoded stream.
func (b *DatasetBuilder) Bytes() []byte {
	return b.buf.Bytes()
}

func (b *DatasetBuilder) put(group, elem uint16, value []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:2], group)
	binary.LittleEndian.PutUint16(hdr[2:4], elem)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(value)))
	b.buf.Write(hdr[:])
	b.buf.Write(value)
}

func padded(value string, pad byte) []byte {
	v := []byte(value)
	if len(v)%2 == 1 {
		v = append(v, pad)
	}
	return v
}
