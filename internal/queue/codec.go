package queue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the zstandard frame header. Decoding sniffs it so plain
// JSON payloads published by older producers still decode.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	jobEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	jobDecoder, _ = zstd.NewReader(nil)
)

func encodeJob(job Job) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return jobEncoder.EncodeAll(raw, nil), nil
}

func decodeJob(payload []byte) (Job, error) {
	var job Job
	raw := payload
	if bytes.HasPrefix(payload, zstdMagic) {
		var err error
		raw, err = jobDecoder.DecodeAll(payload, nil)
		if err != nil {
			return job, fmt.Errorf("failed to decompress job: %w", err)
		}
	}
	if err := json.Unmarshal(raw, &job); err != nil {
		return job, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}
