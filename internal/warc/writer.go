// Package warc reads and writes WARC 1.1 containers. Containers are
// append-only: records are immutable once written, and compressed
// containers use one gzip member per record so byte offsets recorded at
// write time remain valid seek positions.
package warc

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Record type names per the WARC 1.1 specification.
const (
	TypeWarcinfo = "warcinfo"
	TypeResponse = "response"
	TypeRequest  = "request"
	TypeMetadata = "metadata"
)

const warcVersion = "WARC/1.1"

// WriterOptions controls container serialization.
type WriterOptions struct {
	// Compress writes each record as its own gzip member.
	Compress bool
	// CompressionLevel passes through to gzip; zero means default.
	CompressionLevel int
	// Software is recorded in the leading warcinfo record.
	Software string
}

// Writer serializes records into a WARC container. It tracks the byte
// offset of the underlying stream so callers can index records as they
// are appended.
type Writer struct {
	dst    io.Writer
	opts   WriterOptions
	offset int64
	err    error
}

// NewWriter wraps dst. Nothing is written until the first record.
func NewWriter(dst io.Writer, opts WriterOptions) *Writer {
	if opts.Software == "" {
		opts.Software = "archivist"
	}
	return &Writer{dst: dst, opts: opts}
}

// Offset returns the byte position the next record will start at.
func (w *Writer) Offset() int64 {
	return w.offset
}

// WriteWarcinfo writes the leading metadata record identifying the
// producing software and format version. Callers write it first so a
// crash before the first response record still leaves a parseable file.
func (w *Writer) WriteWarcinfo(filename string, extra map[string]string) (string, error) {
	var body bytes.Buffer
	fmt.Fprintf(&body, "software: %s\r\n", w.opts.Software)
	fmt.Fprintf(&body, "format: WARC File Format 1.1\r\n")
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&body, "%s: %s\r\n", k, extra[k])
	}

	headers := [][2]string{
		{"WARC-Type", TypeWarcinfo},
		{"WARC-Date", time.Now().UTC().Format(time.RFC3339)},
		{"WARC-Filename", filename},
		{"Content-Type", "application/warc-fields"},
	}
	return w.writeRecord(headers, body.Bytes())
}

// WriteResponse serializes one HTTP response capture as an immutable
// record. The payload block is a full HTTP/1.1 response message; the
// payload digest covers the response body only.
func (w *Writer) WriteResponse(targetURI string, statusCode int, header http.Header, body []byte, capturedAt time.Time) (string, error) {
	block, err := encodeHTTPResponse(statusCode, header, body)
	if err != nil {
		return "", fmt.Errorf("encode http response: %w", err)
	}

	digest := sha256.Sum256(body)
	headers := [][2]string{
		{"WARC-Type", TypeResponse},
		{"WARC-Date", capturedAt.UTC().Format(time.RFC3339)},
		{"WARC-Target-URI", targetURI},
		{"WARC-Payload-Digest", "sha256:" + hex.EncodeToString(digest[:])},
		{"Content-Type", "application/http; msgtype=response"},
	}
	return w.writeRecord(headers, block)
}

func (w *Writer) writeRecord(headers [][2]string, block []byte) (string, error) {
	if w.err != nil {
		return "", w.err
	}

	recordID := fmt.Sprintf("<urn:uuid:%s>", uuid.New())

	var rec bytes.Buffer
	rec.WriteString(warcVersion + "\r\n")
	for _, h := range headers {
		fmt.Fprintf(&rec, "%s: %s\r\n", h[0], h[1])
	}
	fmt.Fprintf(&rec, "WARC-Record-ID: %s\r\n", recordID)
	fmt.Fprintf(&rec, "Content-Length: %d\r\n", len(block))
	rec.WriteString("\r\n")
	rec.Write(block)
	rec.WriteString("\r\n\r\n")

	n, err := w.emit(rec.Bytes())
	w.offset += n
	if err != nil {
		// Record the failure so no further appends can silently succeed
		// against a truncated container.
		w.err = fmt.Errorf("write record: %w", err)
		return "", w.err
	}
	return recordID, nil
}

// emit writes raw record bytes, as one gzip member when compression is
// on, and returns the number of container bytes produced.
func (w *Writer) emit(raw []byte) (int64, error) {
	if !w.opts.Compress {
		n, err := w.dst.Write(raw)
		return int64(n), err
	}

	var member bytes.Buffer
	level := w.opts.CompressionLevel
	if level == 0 {
		level = gzip.DefaultCompression
	}
	zw, err := gzip.NewWriterLevel(&member, level)
	if err != nil {
		return 0, err
	}
	if _, err := zw.Write(raw); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	n, err := w.dst.Write(member.Bytes())
	return int64(n), err
}

// encodeHTTPResponse builds a serialized HTTP/1.1 response message from
// captured parts.
func encodeHTTPResponse(statusCode int, header http.Header, body []byte) ([]byte, error) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	text := http.StatusText(statusCode)
	if text == "" {
		text = "Unknown"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", statusCode, text)

	names := make([]string, 0, len(header))
	for name := range header {
		// Stored payloads are identity-encoded full bodies; the original
		// transfer framing no longer applies.
		if name == "Transfer-Encoding" || name == "Content-Length" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range header[name] {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes(), nil
}
