package store

import (
	"bufio"
	"bytes"
	"net/http"
	"net/textproto"
)

var crlf = []byte("\r\n")

// encodeHeader renders h in HTTP/1.1 wire format, one field line per value.
func encodeHeader(h http.Header) []byte {
	if len(h) == 0 {
		return nil
	}
	buf := &bytes.Buffer{}
	h.Write(buf)
	return buf.Bytes()
}

// decodeHeader parses wire-format field lines back into a header. It accepts
// the output of encodeHeader with or without the terminating blank line.
func decodeHeader(b []byte) (http.Header, error) {
	if len(b) == 0 {
		return http.Header{}, nil
	}
	if !bytes.HasSuffix(b, append(crlf, crlf...)) {
		b = append(b, crlf...)
	}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(b)))
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	return http.Header(mimeHeader), nil
}
