package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
)

// MaxRequestSize is the total-accumulator cap on a buffered request's
// headers; it is not a per-chunk cap.
const MaxRequestSize = 10 * 1024 * 1024 // 10 MiB

// ErrNoData signals a clean EOF before any complete header block was read.
// It is benign: the filter task ends its loop silently on this error.
var ErrNoData = errors.New("proxy: no data read from stream")

// ErrExceededMaxSize signals the accumulated buffer would exceed
// MaxRequestSize before headers completed. Callers respond 400 Bad Request.
var ErrExceededMaxSize = errors.New("proxy: request exceeded max size")

// ErrReadFailed wraps a socket read error below a complete header block.
// It is benign like ErrNoData: the filter task ends its loop silently.
var ErrReadFailed = errors.New("proxy: read error")

// ErrRequestParseFailed wraps a malformed request that ParseRequest could
// not read. ReadRequest never returns it. Callers respond 400 Bad Request,
// same as ErrExceededMaxSize.
var ErrRequestParseFailed = errors.New("proxy: request parse error")

// Header is one (name, value) pair from a parsed request. Names are in
// canonical MIME form; ParseRequest does not keep the headers in wire order.
type Header struct {
	Name  string
	Value string
}

// ParsedRequest is the ephemeral, per-request view produced by parsing the
// bytes the framer accumulated: method, path, headers, and the raw buffer
// that holds them (headers plus any already-read body prefix).
type ParsedRequest struct {
	Method  string
	Path    string
	Headers []Header
	Raw     []byte
}

// ReadRequest incrementally reads from r until a complete HTTP/1.1 request
// header block (request line through the terminating CRLFCRLF) is
// available, or a cap/read failure occurs. Each iteration rescans the
// whole accumulation from offset 0 for the header terminator — correctness
// over micro-optimization. It does not parse the request line or headers,
// so malformed input is not detected here; ParseRequest does that on the
// returned bytes.
//
// The returned bytes include the complete header block plus any body bytes
// that happened to arrive in the same underlying reads; it never returns
// fewer bytes than a complete header block.
func ReadRequest(ctx context.Context, r ReadHalf) ([]byte, error) {
	var accumulated []byte
	scratch := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, err := r.Read(scratch)
		if n == 0 {
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
			}
			return nil, ErrNoData
		}

		if len(accumulated)+n > MaxRequestSize {
			return nil, ErrExceededMaxSize
		}

		accumulated = append(accumulated, scratch[:n]...)

		if headersComplete(accumulated) {
			return accumulated, nil
		}

		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
		}
	}
}

// headersComplete reports whether buf contains a full HTTP/1.1 request line
// plus header block terminated by CRLFCRLF (or bare LFLF, tolerated the way
// most HTTP/1.1 servers do). It does not validate header well-formedness
// beyond what ParseRequest enforces on the complete buffer.
func headersComplete(buf []byte) bool {
	return bytes.Contains(buf, []byte("\r\n\r\n")) || bytes.Contains(buf, []byte("\n\n"))
}

// ParseRequest parses the complete header block out of buf (as returned by
// ReadRequest) into a ParsedRequest. It is built on bufio.Reader and
// net/textproto rather than net/http's ReadRequest, which consumes (and
// does not return) the raw bytes and assumes a single destructive pass —
// incompatible with the framer's cumulative, re-parse-from-scratch design.
func ParseRequest(buf []byte) (*ParsedRequest, error) {
	br := bufio.NewReader(bytes.NewReader(buf))
	tp := textproto.NewReader(br)

	requestLine, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: reading request line: %v", ErrRequestParseFailed, err)
	}

	method, path := parseRequestLine(requestLine)

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: reading headers: %v", ErrRequestParseFailed, err)
	}

	headers := make([]Header, 0, len(mimeHeader))
	for name, values := range mimeHeader {
		for _, v := range values {
			headers = append(headers, Header{Name: name, Value: v})
		}
	}

	return &ParsedRequest{
		Method:  method,
		Path:    path,
		Headers: headers,
		Raw:     buf,
	}, nil
}

// parseRequestLine splits "METHOD SP path SP version" into method and path.
// A missing method or path yields the empty string, per spec.md's absent-
// field rules, rather than a hard parse error — Policy.Decide is the
// authority on what to do with an absent field.
func parseRequestLine(line string) (method, path string) {
	parts := strings.SplitN(line, " ", 3)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], parts[1]
	}
}
