package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// The spec's "general block compressor" is zstd at the default level,
// with a single package-wide encoder/decoder pair reused across calls
// (matching zstd's recommendation to amortize setup cost rather than
// constructing one per call).
var (
	encOnce sync.Once
	enc     *zstd.Encoder

	decOnce sync.Once
	dec     *zstd.Decoder
)

func encoder() *zstd.Encoder {
	encOnce.Do(func() {
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(err) // only fails on invalid options, never at runtime
		}
		enc = e
	})
	return enc
}

func decoder() *zstd.Decoder {
	decOnce.Do(func() {
		d, err := zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		dec = d
	})
	return dec
}

func compress(payload []byte) ([]byte, error) {
	return encoder().EncodeAll(payload, make([]byte, 0, len(payload)/2)), nil
}

func decompress(blob []byte) ([]byte, error) {
	return decoder().DecodeAll(blob, nil)
}
