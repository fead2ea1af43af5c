package pumpz

import (
	"strconv"
)

// AtomicWriteLimit is the largest record written to a pipe. Writes up to
// PIPE_BUF bytes (4096 on Linux) are atomic, so records from concurrent
// writers interleave whole or not at all.
const AtomicWriteLimit = 4096

// EncodeBatch renders b as one wire record: "<producerId>:[a, b, c]\n".
func EncodeBatch(b Batch) []byte {
	buf := make([]byte, 0, 8+len(b.Items)*5)
	return AppendBatch(buf, b)
}

// AppendBatch appends the wire record of b to dst.
func AppendBatch(dst []byte, b Batch) []byte {
	dst = strconv.AppendInt(dst, int64(b.ProducerID), 10)
	dst = append(dst, ':', '[')
	for i, v := range b.Items {
		if i > 0 {
			dst = append(dst, ',', ' ')
		}
		dst = strconv.AppendInt(dst, int64(v), 10)
	}
	return append(dst, ']', '\n')
}

// DecodeBatch parses one wire record. The trailing newline is optional.
// The grammar is ^\d+:\[(\d+(, \d+)*)?\]$ and nothing else is accepted:
// no signs, no whitespace variants, no nested values.
func DecodeBatch(line []byte) (Batch, error) {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	d := decoder{line: line}

	id, err := d.number()
	if err != nil {
		return Batch{}, err
	}
	if err := d.expect(':'); err != nil {
		return Batch{}, err
	}
	if err := d.expect('['); err != nil {
		return Batch{}, err
	}

	items := []int{}
	if !d.peek(']') {
		for {
			v, err := d.number()
			if err != nil {
				return Batch{}, err
			}
			items = append(items, v)
			if d.peek(']') {
				break
			}
			if err := d.expect(','); err != nil {
				return Batch{}, err
			}
			if err := d.expect(' '); err != nil {
				return Batch{}, err
			}
		}
	}
	if err := d.expect(']'); err != nil {
		return Batch{}, err
	}
	if d.pos != len(d.line) {
		return Batch{}, d.fail("trailing data")
	}
	return Batch{ProducerID: id, Items: items}, nil
}

// decoder walks a record left to right.
type decoder struct {
	line []byte
	pos  int
}

func (d *decoder) fail(reason string) error {
	return &DecodeError{Line: string(d.line), Offset: d.pos, Reason: reason}
}

func (d *decoder) peek(c byte) bool {
	return d.pos < len(d.line) && d.line[d.pos] == c
}

func (d *decoder) expect(c byte) error {
	if !d.peek(c) {
		return d.fail("expected " + strconv.QuoteRune(rune(c)))
	}
	d.pos++
	return nil
}

func (d *decoder) number() (int, error) {
	start := d.pos
	for d.pos < len(d.line) && d.line[d.pos] >= '0' && d.line[d.pos] <= '9' {
		d.pos++
	}
	if d.pos == start {
		return 0, d.fail("expected digit")
	}
	v, err := strconv.ParseInt(string(d.line[start:d.pos]), 10, strconv.IntSize)
	if err != nil {
		d.pos = start
		return 0, d.fail("integer out of range")
	}
	return int(v), nil
}
