package fetch

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is advertised on every request. Setting it explicitly turns
// off net/http's transparent gzip handling, so responses are decoded here.
const acceptEncoding = "zstd, gzip"

var zstdDecoders sync.Pool

// decodeBody wraps body according to its Content-Encoding header.
// The returned closer releases pooled decoders.
func decodeBody(body io.Reader, contentEncoding string) (io.Reader, func(), error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, func() {}, nil

	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil

	case "zstd":
		if dec, ok := zstdDecoders.Get().(*zstd.Decoder); ok {
			if err := dec.Reset(body); err != nil {
				zstdDecoders.Put(dec)
				return nil, nil, err
			}
			return dec, func() { zstdDecoders.Put(dec) }, nil
		}

		dec, err := zstd.NewReader(body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, err
		}
		return dec, func() { zstdDecoders.Put(dec) }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
}
