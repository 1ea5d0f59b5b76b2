package encoding

import (
	"encoding/binary"
	"fmt"
)

// Durability record layout:
//
//	offset 0                       lockSectionLength, 4-byte big-endian
//	offset 4                       lock section
//	offset 4 + lockSectionLength   write section, to end of file
//
// Each section is a concatenation of elements, every element prefixed by its
// own 4-byte big-endian length, so a section can be iterated without
// pre-parsing the whole thing.

// EncodeElements frames elems into one section.
func EncodeElements(elems [][]byte) []byte {
	size := 0
	for _, e := range elems {
		size += 4 + len(e)
	}
	out := make([]byte, 0, size)
	for _, e := range elems {
		out = binary.BigEndian.AppendUint32(out, uint32(len(e)))
		out = append(out, e...)
	}
	return out
}

// EncodeRecord assembles the full record from a framed lock section and a
// framed write section.
func EncodeRecord(lockSection, writeSection []byte) []byte {
	out := make([]byte, 0, 4+len(lockSection)+len(writeSection))
	out = binary.BigEndian.AppendUint32(out, uint32(len(lockSection)))
	out = append(out, lockSection...)
	out = append(out, writeSection...)
	return out
}

// SplitRecord returns the lock and write sections of a record.
func SplitRecord(record []byte) (lockSection, writeSection []byte, err error) {
	if len(record) < 4 {
		return nil, nil, fmt.Errorf("record too short: %d bytes", len(record))
	}
	n := int(binary.BigEndian.Uint32(record))
	if n < 0 || 4+n > len(record) {
		return nil, nil, fmt.Errorf("lock section length %d exceeds record of %d bytes", n, len(record))
	}
	return record[4 : 4+n], record[4+n:], nil
}

// SectionIterator streams the elements of one section.
type SectionIterator struct {
	buf []byte
	off int
}

func NewSectionIterator(section []byte) *SectionIterator {
	return &SectionIterator{buf: section}
}

func (it *SectionIterator) HasNext() bool {
	return it.off < len(it.buf)
}

// Next returns the next element. A truncated prefix or element is an error;
// callers treat it as record corruption.
func (it *SectionIterator) Next() ([]byte, error) {
	if it.off+4 > len(it.buf) {
		return nil, fmt.Errorf("truncated element length at offset %d", it.off)
	}
	n := int(binary.BigEndian.Uint32(it.buf[it.off:]))
	it.off += 4
	if it.off+n > len(it.buf) {
		return nil, fmt.Errorf("truncated element: want %d bytes, have %d", n, len(it.buf)-it.off)
	}
	e := it.buf[it.off : it.off+n]
	it.off += n
	return e, nil
}
