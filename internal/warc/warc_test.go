package warc

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
	}{
		{name: "plain", compress: false},
		{name: "compressed", compress: true},
	}

	captures := []struct {
		uri    string
		status int
		body   string
	}{
		{"https://example.com/", 200, "<html><body>home</body></html>"},
		{"https://example.com/style.css", 200, "body { color: red }"},
		{"https://example.com/gone", 404, "not found"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf, WriterOptions{Compress: tc.compress})

			_, err := w.WriteWarcinfo("test.warc", map[string]string{"isPartOf": "unit-test"})
			require.NoError(t, err)

			capturedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
			offsets := make([]int64, 0, len(captures))
			for _, c := range captures {
				offsets = append(offsets, w.Offset())
				hdr := http.Header{"Content-Type": []string{"text/html"}}
				id, err := w.WriteResponse(c.uri, c.status, hdr, []byte(c.body), capturedAt)
				require.NoError(t, err)
				require.Contains(t, id, "urn:uuid:")
			}

			r, err := NewReader(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)

			info, err := r.Next()
			require.NoError(t, err)
			require.Equal(t, TypeWarcinfo, info.Type)
			require.Contains(t, string(info.Block), "format: WARC File Format 1.1")

			for i, c := range captures {
				rec, err := r.Next()
				require.NoError(t, err)
				require.Equal(t, TypeResponse, rec.Type)
				require.Equal(t, c.uri, rec.TargetURI)
				require.Equal(t, capturedAt, rec.Date)
				require.Equal(t, offsets[i], rec.Offset, "offset of record %d", i)
				require.NotZero(t, rec.Length)

				resp, err := rec.HTTPResponse()
				require.NoError(t, err)
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				require.NoError(t, resp.Body.Close())
				require.Equal(t, c.status, resp.StatusCode)
				require.Equal(t, c.body, string(body))
			}

			_, err = r.Next()
			require.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestReaderSeekableOffsets(t *testing.T) {
	// Records read back at their recorded offsets must parse standalone,
	// which is what the index depends on.
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterOptions{Compress: true})
	_, err := w.WriteWarcinfo("seek.warc.gz", nil)
	require.NoError(t, err)

	type placed struct {
		uri    string
		offset int64
		length int64
	}
	var records []placed
	for _, uri := range []string{"https://a.test/", "https://a.test/b", "https://a.test/c"} {
		start := w.Offset()
		_, err := w.WriteResponse(uri, 200, nil, []byte("payload for "+uri), time.Now())
		require.NoError(t, err)
		records = append(records, placed{uri: uri, offset: start, length: w.Offset() - start})
	}

	raw := buf.Bytes()
	for _, p := range records {
		slice := raw[p.offset : p.offset+p.length]
		r, err := NewReader(bytes.NewReader(slice))
		require.NoError(t, err)
		rec, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, p.uri, rec.TargetURI)
	}
}

func TestWriterStickyError(t *testing.T) {
	w := NewWriter(failWriter{}, WriterOptions{})
	_, err := w.WriteWarcinfo("broken.warc", nil)
	require.Error(t, err)

	// Later appends must not pretend the container is intact.
	_, err = w.WriteResponse("https://example.com/", 200, nil, []byte("x"), time.Now())
	require.Error(t, err)
}

func TestReaderRejectsGarbage(t *testing.T) {
	r, err := NewReader(bytes.NewReader([]byte("HTTP/1.1 200 OK\r\n\r\n")))
	require.NoError(t, err)
	_, err = r.Next()
	require.Error(t, err)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
