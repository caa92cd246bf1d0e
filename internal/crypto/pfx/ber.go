package pfx

import (
	"bytes"
	"encoding/asn1"
	"errors"
)

// go-pkcs12 only accepts DER. Containers exported by older key managers use
// BER with indefinite lengths and chunked OCTET STRINGs, so they are
// rewritten before decoding.

const (
	classMask      = 0xC0
	classUniversal = 0x00
	classContext   = 0x80
	constructedBit = 0x20
	numberMask     = 0x1F
	tagOctetString = 0x04
)

var errTrailingData = errors.New("ber: trailing data")

// toDER re-encodes a single BER element as DER.
func toDER(in []byte) ([]byte, error) {
	r := &berReader{b: in}
	out, err := r.element()
	if err != nil {
		return nil, err
	}
	if r.pos != len(r.b) {
		return nil, errTrailingData
	}
	return out, nil
}

type berReader struct {
	b   []byte
	pos int
}

func (r *berReader) element() ([]byte, error) {
	tag, err := r.tag()
	if err != nil {
		return nil, err
	}
	n, indefinite, err := r.length()
	if err != nil {
		return nil, err
	}

	if tag[0]&constructedBit == 0 {
		if indefinite {
			return nil, errors.New("ber: primitive element with indefinite length")
		}
		body, err := r.take(n)
		if err != nil {
			return nil, err
		}
		return encodeTLV(tag, body), nil
	}

	var children [][]byte
	if indefinite {
		children, err = r.childrenUntilEOC()
	} else {
		var body []byte
		if body, err = r.take(n); err == nil {
			children, err = (&berReader{b: body}).childrenToEnd()
		}
	}
	if err != nil {
		return nil, err
	}
	return constructed(tag, children)
}

func (r *berReader) childrenUntilEOC() ([][]byte, error) {
	var out [][]byte
	for {
		if len(r.b)-r.pos < 2 {
			return nil, errors.New("ber: missing end-of-contents")
		}
		if r.b[r.pos] == 0 && r.b[r.pos+1] == 0 {
			r.pos += 2
			return out, nil
		}
		child, err := r.element()
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
}

func (r *berReader) childrenToEnd() ([][]byte, error) {
	var out [][]byte
	for r.pos < len(r.b) {
		child, err := r.element()
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func (r *berReader) tag() ([]byte, error) {
	start := r.pos
	first, err := r.byte()
	if err != nil {
		return nil, err
	}
	if first&numberMask == numberMask {
		for {
			b, err := r.byte()
			if err != nil {
				return nil, errors.New("ber: truncated tag")
			}
			if b&0x80 == 0 {
				break
			}
		}
	}
	return r.b[start:r.pos], nil
}

func (r *berReader) length() (n int, indefinite bool, err error) {
	first, err := r.byte()
	if err != nil {
		return 0, false, err
	}
	switch {
	case first == 0x80:
		return 0, true, nil
	case first < 0x80:
		return int(first), false, nil
	}
	size := int(first &^ 0x80)
	if size > 4 {
		return 0, false, errors.New("ber: length too large")
	}
	for i := 0; i < size; i++ {
		b, err := r.byte()
		if err != nil {
			return 0, false, errors.New("ber: truncated length")
		}
		n = n<<8 | int(b)
	}
	return n, false, nil
}

func (r *berReader) byte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, errors.New("ber: unexpected end of data")
	}
	b := r.b[r.pos]
	r.pos++
	return b, nil
}

func (r *berReader) take(n int) ([]byte, error) {
	if n < 0 || len(r.b)-r.pos < n {
		return nil, errors.New("ber: content truncated")
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// constructed re-encodes a constructed element from its DER children.
// Chunked OCTET STRINGs collapse to the primitive form DER requires.
func constructed(tag []byte, children [][]byte) ([]byte, error) {
	class, number := tag[0]&classMask, tag[0]&numberMask
	switch {
	case class == classUniversal && number == tagOctetString:
		body, ok := joinOctetStrings(children)
		if !ok {
			return nil, errors.New("ber: constructed OCTET STRING with foreign segment")
		}
		return encodeTLV([]byte{tagOctetString}, nestedDER(body)), nil
	case class == classContext && number == 0 && len(children) > 1:
		if body, ok := joinOctetStrings(children); ok {
			primitive := append([]byte(nil), tag...)
			primitive[0] &^= constructedBit
			return encodeTLV(primitive, body), nil
		}
	}
	return encodeTLV(tag, bytes.Join(children, nil)), nil
}

func joinOctetStrings(children [][]byte) ([]byte, bool) {
	var out []byte
	for _, c := range children {
		var rv asn1.RawValue
		rest, err := asn1.Unmarshal(c, &rv)
		if err != nil || len(rest) != 0 || rv.Class != asn1.ClassUniversal || rv.Tag != asn1.TagOctetString || rv.IsCompound {
			return nil, false
		}
		out = append(out, rv.Bytes...)
	}
	return out, true
}

// nestedDER normalizes OCTET STRING payloads that are themselves encoded
// structures, such as the PKCS#12 AuthenticatedSafe.
func nestedDER(body []byte) []byte {
	if len(body) == 0 || body[0] != 0x30 {
		return body
	}
	if der, err := toDER(body); err == nil {
		return der
	}
	return body
}

func encodeTLV(tag, body []byte) []byte {
	out := make([]byte, 0, len(tag)+5+len(body))
	out = append(out, tag...)
	if n := len(body); n < 0x80 {
		out = append(out, byte(n))
	} else {
		var buf [4]byte
		i := len(buf)
		for ; n > 0; n >>= 8 {
			i--
			buf[i] = byte(n)
		}
		out = append(out, byte(0x80|(len(buf)-i)))
		out = append(out, buf[i:]...)
	}
	return append(out, body...)
}
