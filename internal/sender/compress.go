package sender

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// zstd.Encoder is safe for concurrent EncodeAll calls.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sender: zstd encoder initialization failed: " + err.Error())
	}
}

// compressBody applies the configured content encoding.
// Params: encoding none|gzip|zstd; body raw envelope.
// Returns: encoded body, Content-Encoding value (empty for none), and error.
func compressBody(encoding string, body []byte) ([]byte, string, error) {
	switch encoding {
	case "", "none":
		return body, "", nil
	case "gzip":
		var buf bytes.Buffer
		writer, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
		if err != nil {
			return nil, "", fmt.Errorf("gzip writer: %w", err)
		}
		if _, err := writer.Write(body); err != nil {
			return nil, "", fmt.Errorf("gzip write: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), "gzip", nil
	case "zstd":
		return zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/2)), "zstd", nil
	default:
		return nil, "", fmt.Errorf("unsupported compression %q", encoding)
	}
}
