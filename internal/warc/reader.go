package warc

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Record is one parsed WARC record plus its location within the
// container.
type Record struct {
	Type          string
	ID            string
	Date          time.Time
	TargetURI     string
	PayloadDigest string
	Headers       map[string]string
	Block         []byte

	// Offset is the container byte position the record starts at;
	// Length is the number of container bytes it occupies. For
	// compressed containers these refer to the gzip member.
	Offset int64
	Length int64
}

// HTTPResponse parses the record block as an HTTP response message.
// Valid only for response records.
func (r *Record) HTTPResponse() (*http.Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(r.Block)), nil)
	if err != nil {
		return nil, fmt.Errorf("parse http block: %w", err)
	}
	return resp, nil
}

// blockReader is the minimal surface parseRecord needs. The counting
// reader satisfies it directly so plain-container offsets stay exact.
type blockReader interface {
	io.Reader
	io.ByteReader
}

// Reader streams records from a container, plain or per-record gzip,
// strictly sequentially. Offsets are position-dependent, so records are
// never reordered.
type Reader struct {
	src        *countingReader
	compressed bool
	zr         *gzip.Reader
}

// NewReader wraps src, sniffing gzip magic bytes to pick the
// decompression path.
func NewReader(src io.Reader) (*Reader, error) {
	cr := newCountingReader(src)
	magic, err := cr.Peek(2)
	if err != nil {
		if err == io.EOF {
			return &Reader{src: cr}, nil
		}
		return nil, fmt.Errorf("peek container: %w", err)
	}

	r := &Reader{src: cr}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		r.compressed = true
	}
	return r, nil
}

// Next returns the next record, or io.EOF when the container is
// exhausted. A malformed record yields an error the caller may choose
// to treat as skippable; for compressed containers the reader stays
// positioned at the next member.
func (r *Reader) Next() (*Record, error) {
	start := r.src.Count()

	var rec *Record
	var err error
	if r.compressed {
		rec, err = r.nextCompressed()
	} else {
		rec, err = parseRecord(r.src)
	}
	if err != nil {
		return nil, err
	}

	rec.Offset = start
	rec.Length = r.src.Count() - start
	return rec, nil
}

func (r *Reader) nextCompressed() (*Record, error) {
	if r.zr == nil {
		zr, err := gzip.NewReader(r.src)
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("open gzip member: %w", err)
		}
		r.zr = zr
	} else {
		if err := r.zr.Reset(r.src); err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("next gzip member: %w", err)
		}
	}
	r.zr.Multistream(false)

	member := bufio.NewReader(r.zr)
	rec, err := parseRecord(member)
	if err != nil {
		return nil, err
	}
	// Drain the member so the raw counter lands on the next one.
	if _, err := io.Copy(io.Discard, member); err != nil {
		return nil, fmt.Errorf("drain gzip member: %w", err)
	}
	if _, err := io.Copy(io.Discard, r.zr); err != nil {
		return nil, fmt.Errorf("drain gzip member: %w", err)
	}
	return rec, nil
}

func parseRecord(br blockReader) (*Record, error) {
	version, err := readLine(br)
	if err != nil {
		return nil, err
	}
	// Tolerate stray blank lines between records.
	for version == "" {
		version, err = readLine(br)
		if err != nil {
			return nil, err
		}
	}
	if !strings.HasPrefix(version, "WARC/") {
		return nil, fmt.Errorf("bad record version line %q", version)
	}

	headers := make(map[string]string)
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, fmt.Errorf("read record headers: %w", err)
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("bad header line %q", line)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	length, err := strconv.ParseInt(headers["Content-Length"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad Content-Length %q", headers["Content-Length"])
	}

	block := make([]byte, length)
	if _, err := io.ReadFull(br, block); err != nil {
		return nil, fmt.Errorf("read record block: %w", err)
	}
	// Trailing CRLF CRLF separator.
	for i := 0; i < 2; i++ {
		if _, err := readLine(br); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read record trailer: %w", err)
		}
	}

	rec := &Record{
		Type:          headers["WARC-Type"],
		ID:            headers["WARC-Record-ID"],
		TargetURI:     headers["WARC-Target-URI"],
		PayloadDigest: headers["WARC-Payload-Digest"],
		Headers:       headers,
		Block:         block,
	}
	if raw := headers["WARC-Date"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.Date = ts.UTC()
		}
	}
	return rec, nil
}

func readLine(br io.ByteReader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() == 0 {
				return "", io.EOF
			}
			if err == io.EOF {
				break
			}
			return "", err
		}
		if b == '\n' {
			break
		}
		sb.WriteByte(b)
	}
	return strings.TrimRight(sb.String(), "\r"), nil
}

// countingReader tracks how many bytes consumers have taken. It
// implements io.ByteReader so gzip does not read ahead, keeping the
// count equal to the true container position at member boundaries.
type countingReader struct {
	br *bufio.Reader
	n  int64
}

func newCountingReader(src io.Reader) *countingReader {
	return &countingReader{br: bufio.NewReader(src)}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.br.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingReader) Peek(n int) ([]byte, error) {
	return c.br.Peek(n)
}

func (c *countingReader) Count() int64 {
	return c.n
}
