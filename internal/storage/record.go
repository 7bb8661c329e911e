package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"fprintd/internal/finger"
)

const (
	recordMagic     = "FPT1"
	recordVersion   = 1
	maxHeaderLength = 4096
)

var (
	errRecordTruncated = errors.New("record truncated")
	errRecordMagic     = errors.New("record magic mismatch")
	errRecordDigest    = errors.New("record digest mismatch")
)

var recordEncMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	return mode
}()

// recordHeader precedes the payload in every template file.
type recordHeader struct {
	Version int    `cbor:"v"`
	Owner   string `cbor:"owner"`
	Finger  string `cbor:"finger"`
	Size    uint64 `cbor:"size"`
	Digest  []byte `cbor:"digest"`
}

// encodeRecord lays out magic | uint32 header length | CBOR header | payload.
func encodeRecord(owner string, f finger.Finger, payload []byte) ([]byte, error) {
	digest := blake3.Sum256(payload)
	header, err := recordEncMode.Marshal(recordHeader{
		Version: recordVersion,
		Owner:   owner,
		Finger:  string(f),
		Size:    uint64(len(payload)),
		Digest:  digest[:],
	})
	if err != nil {
		return nil, fmt.Errorf("encode record header: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(recordMagic) + 4 + len(header) + len(payload))
	buf.WriteString(recordMagic)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(header)))
	buf.Write(length[:])
	buf.Write(header)
	buf.Write(payload)
	return buf.Bytes(), nil
}

func decodeRecord(raw []byte) (recordHeader, []byte, error) {
	var header recordHeader
	if len(raw) < len(recordMagic)+4 {
		return header, nil, errRecordTruncated
	}
	if string(raw[:len(recordMagic)]) != recordMagic {
		return header, nil, errRecordMagic
	}
	raw = raw[len(recordMagic):]
	length := binary.BigEndian.Uint32(raw[:4])
	raw = raw[4:]
	if length == 0 || length > maxHeaderLength || int(length) > len(raw) {
		return header, nil, errRecordTruncated
	}
	if err := cbor.Unmarshal(raw[:length], &header); err != nil {
		return header, nil, fmt.Errorf("decode record header: %w", err)
	}
	if header.Version != recordVersion {
		return header, nil, fmt.Errorf("unsupported record version %d", header.Version)
	}
	payload := raw[length:]
	if uint64(len(payload)) != header.Size {
		return header, nil, errRecordTruncated
	}
	digest := blake3.Sum256(payload)
	if !bytes.Equal(digest[:], header.Digest) {
		return header, nil, errRecordDigest
	}
	return header, payload, nil
}
