package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/coinlens/archivist/internal/warc"
)

// ContainerMetadata summarizes the archived content of one container:
// how many records it holds and which captured URLs were pages versus
// supporting resources.
type ContainerMetadata struct {
	Records      int
	Pages        int
	Resources    int
	PageURLs     []string
	ResourceURLs []string
}

// ValidateContainer confirms a stored container parses and holds at
// least one record. An engine that exits cleanly but writes an empty or
// truncated container is treated as having produced no usable output.
func ValidateContainer(r io.Reader) error {
	wr, err := warc.NewReader(r)
	if err != nil {
		return fmt.Errorf("open container: %w", err)
	}
	if _, err := wr.Next(); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("container holds no records")
		}
		return fmt.Errorf("read container: %w", err)
	}
	return nil
}

// ExtractMetadata walks a container and classifies each response record
// as a page or a resource by its content type.
func ExtractMetadata(ctx context.Context, r io.Reader) (ContainerMetadata, error) {
	var meta ContainerMetadata
	wr, err := warc.NewReader(r)
	if err != nil {
		return meta, fmt.Errorf("open container: %w", err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return meta, err
		}
		rec, err := wr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return meta, fmt.Errorf("read container: %w", err)
		}
		meta.Records++
		if rec.Type != "response" || rec.TargetURI == "" {
			continue
		}
		resp, err := rec.HTTPResponse()
		if err != nil {
			continue
		}
		contentType := resp.Header.Get("Content-Type")
		resp.Body.Close()
		if IsHTML(contentType) {
			meta.Pages++
			meta.PageURLs = append(meta.PageURLs, rec.TargetURI)
		} else {
			meta.Resources++
			meta.ResourceURLs = append(meta.ResourceURLs, rec.TargetURI)
		}
	}
	if meta.Records == 0 {
		return meta, fmt.Errorf("container holds no records")
	}
	return meta, nil
}
