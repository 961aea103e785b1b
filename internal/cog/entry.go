package cog

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"
)

// tiff field types
const (
	tASCII  = 2
	tShort  = 3
	tLong   = 4
	tDouble = 12
	tLong8  = 16
)

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// An entry is a directory entry with its value already encoded.
type entry struct {
	tag   uint16
	typ   uint16
	count uint64
	data  []byte
}

type encoder struct {
	order   byteOrder
	bigtiff bool
}

func (e encoder) shorts(tag uint16, v ...uint16) entry {
	b := make([]byte, 0, 2*len(v))
	for _, x := range v {
		b = e.order.AppendUint16(b, x)
	}
	return entry{tag: tag, typ: tShort, count: uint64(len(v)), data: b}
}

func (e encoder) longs(tag uint16, v ...uint32) entry {
	b := make([]byte, 0, 4*len(v))
	for _, x := range v {
		b = e.order.AppendUint32(b, x)
	}
	return entry{tag: tag, typ: tLong, count: uint64(len(v)), data: b}
}

func (e encoder) long8s(tag uint16, v ...uint64) entry {
	b := make([]byte, 0, 8*len(v))
	for _, x := range v {
		b = e.order.AppendUint64(b, x)
	}
	return entry{tag: tag, typ: tLong8, count: uint64(len(v)), data: b}
}

// strile encodes tile offsets or byte counts, as LONG in classic tiffs.
func (e encoder) strile(tag uint16, v []uint64) entry {
	if e.bigtiff {
		return e.long8s(tag, v...)
	}
	l := make([]uint32, len(v))
	for i := range v {
		l[i] = uint32(v[i])
	}
	return e.longs(tag, l...)
}

func (e encoder) doubles(tag uint16, v ...float64) entry {
	b := make([]byte, 0, 8*len(v))
	for _, x := range v {
		b = e.order.AppendUint64(b, math.Float64bits(x))
	}
	return entry{tag: tag, typ: tDouble, count: uint64(len(v)), data: b}
}

func (e encoder) ascii(tag uint16, s string) entry {
	b := append([]byte(strings.TrimRight(s, "\x00")), 0)
	return entry{tag: tag, typ: tASCII, count: uint64(len(b)), data: b}
}

func (e encoder) header() []byte {
	b := []byte("II")
	if e.order == binary.BigEndian {
		b = []byte("MM")
	}
	if !e.bigtiff {
		b = e.order.AppendUint16(b, 42)
		return e.order.AppendUint32(b, 8)
	}
	b = e.order.AppendUint16(b, 43)
	b = e.order.AppendUint16(b, 8)
	b = e.order.AppendUint16(b, 0)
	return e.order.AppendUint64(b, 16)
}

// inline is the largest value stored in the entry itself.
func (e encoder) inline() int {
	if e.bigtiff {
		return 8
	}
	return 4
}

func (e encoder) fixedSize(n int) uint64 {
	if e.bigtiff {
		return 8 + 20*uint64(n) + 8
	}
	return 2 + 12*uint64(n) + 4
}

// blockSize is the size of a directory followed by its out of line values.
// It does not depend on the values themselves.
func (e encoder) blockSize(entries []entry) uint64 {
	size := e.fixedSize(len(entries))
	for _, en := range entries {
		if len(en.data) > e.inline() {
			size += uint64(len(en.data) + len(en.data)%2)
		}
	}
	return size
}

// block encodes a directory located at offset whose values overflow right
// after it.
func (e encoder) block(entries []entry, offset, next uint64) []byte {
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	ext := offset + e.fixedSize(len(entries))
	buf := make([]byte, 0, e.blockSize(entries))
	var overflow []byte
	if e.bigtiff {
		buf = e.order.AppendUint64(buf, uint64(len(entries)))
	} else {
		buf = e.order.AppendUint16(buf, uint16(len(entries)))
	}
	for _, en := range entries {
		buf = e.order.AppendUint16(buf, en.tag)
		buf = e.order.AppendUint16(buf, en.typ)
		if e.bigtiff {
			buf = e.order.AppendUint64(buf, en.count)
		} else {
			buf = e.order.AppendUint32(buf, uint32(en.count))
		}
		if len(en.data) <= e.inline() {
			val := make([]byte, e.inline())
			copy(val, en.data)
			buf = append(buf, val...)
			continue
		}
		at := ext + uint64(len(overflow))
		if e.bigtiff {
			buf = e.order.AppendUint64(buf, at)
		} else {
			buf = e.order.AppendUint32(buf, uint32(at))
		}
		overflow = append(overflow, en.data...)
		if len(en.data)%2 == 1 {
			overflow = append(overflow, 0)
		}
	}
	if e.bigtiff {
		buf = e.order.AppendUint64(buf, next)
	} else {
		buf = e.order.AppendUint32(buf, uint32(next))
	}
	return append(buf, overflow...)
}
