package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	formatVersion byte = 1
	digestVersion byte = 2
	flagDeleted   byte = 1 << 0

	maxFieldLength = 1 << 24
)

// ErrMalformedUpdate reports a binary update or state vector that cannot be decoded.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// EncodeUpdate serializes entries into the binary update format.
func EncodeUpdate(entries []Entry) []byte {
	buffer := make([]byte, 0, 16+len(entries)*32)
	buffer = append(buffer, formatVersion)
	buffer = binary.AppendUvarint(buffer, uint64(len(entries)))
	for _, entry := range entries {
		buffer = appendString(buffer, entry.Client)
		buffer = binary.AppendUvarint(buffer, entry.Clock)
		buffer = appendString(buffer, entry.Key)
		var flags byte
		if entry.Deleted {
			flags |= flagDeleted
		}
		buffer = append(buffer, flags)
		buffer = appendBytes(buffer, entry.Value)
	}
	return buffer
}

// DecodeUpdate parses a binary update.
func DecodeUpdate(payload []byte) ([]Entry, error) {
	reader := &byteReader{data: payload}
	if err := reader.expectVersion(); err != nil {
		return nil, err
	}
	count, err := reader.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformedUpdate, count)
	}
	entries := make([]Entry, 0, count)
	for index := uint64(0); index < count; index++ {
		var entry Entry
		if entry.Client, err = reader.string(); err != nil {
			return nil, err
		}
		if entry.Clock, err = reader.uvarint(); err != nil {
			return nil, err
		}
		if entry.Key, err = reader.string(); err != nil {
			return nil, err
		}
		flags, err := reader.byte()
		if err != nil {
			return nil, err
		}
		entry.Deleted = flags&flagDeleted != 0
		if entry.Value, err = reader.bytes(); err != nil {
			return nil, err
		}
		if err := entry.validate(); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if !reader.done() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedUpdate)
	}
	return entries, nil
}

// EncodeStateVector serializes a client to clock summary.
func EncodeStateVector(vector StateVector) []byte {
	clients := vector.clients()
	buffer := make([]byte, 0, 8+len(clients)*16)
	buffer = append(buffer, formatVersion)
	buffer = binary.AppendUvarint(buffer, uint64(len(clients)))
	for _, client := range clients {
		buffer = appendString(buffer, client)
		buffer = binary.AppendUvarint(buffer, vector[client])
	}
	return buffer
}

// DecodeStateVector parses a binary state vector. An empty payload is the empty vector.
func DecodeStateVector(payload []byte) (StateVector, error) {
	vector := StateVector{}
	if len(payload) == 0 {
		return vector, nil
	}
	reader := &byteReader{data: payload}
	if err := reader.expectVersion(); err != nil {
		return nil, err
	}
	count, err := reader.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: client count %d exceeds payload", ErrMalformedUpdate, count)
	}
	for index := uint64(0); index < count; index++ {
		client, err := reader.string()
		if err != nil {
			return nil, err
		}
		clock, err := reader.uvarint()
		if err != nil {
			return nil, err
		}
		if client == "" {
			return nil, fmt.Errorf("%w: empty client id", ErrMalformedUpdate)
		}
		vector[client] = clock
	}
	if !reader.done() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedUpdate)
	}
	return vector, nil
}

// EncodeDigest serializes a field to version summary in key order.
func EncodeDigest(digest Digest) []byte {
	keys := make([]string, 0, len(digest))
	for key := range digest {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	buffer := make([]byte, 0, 8+len(keys)*24)
	buffer = append(buffer, digestVersion)
	buffer = binary.AppendUvarint(buffer, uint64(len(keys)))
	for _, key := range keys {
		version := digest[key]
		buffer = appendString(buffer, key)
		buffer = binary.AppendUvarint(buffer, version.Clock)
		buffer = appendString(buffer, version.Client)
	}
	return buffer
}

// DecodeDigest parses a binary digest. An empty payload is the empty digest.
func DecodeDigest(payload []byte) (Digest, error) {
	digest := Digest{}
	if len(payload) == 0 {
		return digest, nil
	}
	reader := &byteReader{data: payload}
	version, err := reader.byte()
	if err != nil {
		return nil, err
	}
	if version != digestVersion {
		return nil, fmt.Errorf("%w: unsupported digest version %d", ErrMalformedUpdate, version)
	}
	count, err := reader.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: field count %d exceeds payload", ErrMalformedUpdate, count)
	}
	for index := uint64(0); index < count; index++ {
		key, err := reader.string()
		if err != nil {
			return nil, err
		}
		clock, err := reader.uvarint()
		if err != nil {
			return nil, err
		}
		client, err := reader.string()
		if err != nil {
			return nil, err
		}
		if key == "" || client == "" || clock == 0 {
			return nil, fmt.Errorf("%w: incomplete digest entry", ErrMalformedUpdate)
		}
		digest[key] = Version{Clock: clock, Client: client}
	}
	if !reader.done() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedUpdate)
	}
	return digest, nil
}

func appendString(buffer []byte, value string) []byte {
	buffer = binary.AppendUvarint(buffer, uint64(len(value)))
	return append(buffer, value...)
}

func appendBytes(buffer []byte, value []byte) []byte {
	buffer = binary.AppendUvarint(buffer, uint64(len(value)))
	return append(buffer, value...)
}

type byteReader struct {
	data   []byte
	offset int
}

func (r *byteReader) expectVersion() error {
	version, err := r.byte()
	if err != nil {
		return err
	}
	if version != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, version)
	}
	return nil
}

func (r *byteReader) done() bool {
	return r.offset == len(r.data)
}

func (r *byteReader) byte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, fmt.Errorf("%w: unexpected end of input", ErrMalformedUpdate)
	}
	value := r.data[r.offset]
	r.offset++
	return value, nil
}

func (r *byteReader) uvarint() (uint64, error) {
	value, read := binary.Uvarint(r.data[r.offset:])
	if read <= 0 {
		return 0, fmt.Errorf("%w: bad varint at offset %d", ErrMalformedUpdate, r.offset)
	}
	r.offset += read
	return value, nil
}

func (r *byteReader) bytes() ([]byte, error) {
	length, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if length > maxFieldLength || length > uint64(len(r.data)-r.offset) {
		return nil, fmt.Errorf("%w: field length %d out of range", ErrMalformedUpdate, length)
	}
	end := r.offset + int(length)
	value := append([]byte(nil), r.data[r.offset:end]...)
	r.offset = end
	return value, nil
}

func (r *byteReader) string() (string, error) {
	value, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(value), nil
}
