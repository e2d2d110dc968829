package nats

import (
	"github.com/klauspost/compress/zstd"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

// ContentEncodingZstd is the Content-Encoding header value of compressed
// report payloads
const ContentEncodingZstd = "zstd"

type Compressor struct {
	logger  logger.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewCompressor(lggr logger.Logger) *Compressor {
	encoder, _ := zstd.NewWriter(nil)
	decoder, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	return &Compressor{logger.Named(lggr, "Compressor"), encoder, decoder}
}

func (c *Compressor) Compress(b []byte) []byte {
	compressed := c.encoder.EncodeAll(b, nil)
	c.logger.Debugw("Compressed report", "compressedSize", len(compressed), "uncompressedSize", len(b))
	return compressed
}

func (c *Compressor) Decompress(b []byte) ([]byte, error) {
	return c.decoder.DecodeAll(b, nil)
}
