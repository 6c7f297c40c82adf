package crdt

import (
	"errors"
	"testing"
)

func TestDecodeUpdateRejectsMalformedInput(t *testing.T) {
	valid := EncodeUpdate([]Entry{{Client: "a", Clock: 1, Key: "k", Value: []byte("v")}})

	testCases := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: nil},
		{name: "unknown version", payload: append([]byte{9}, valid[1:]...)},
		{name: "truncated", payload: valid[:len(valid)-1]},
		{name: "trailing bytes", payload: append(append([]byte(nil), valid...), 0)},
		{name: "zero clock", payload: EncodeUpdate([]Entry{{Client: "a", Clock: 0, Key: "k"}})},
		{name: "empty key", payload: EncodeUpdate([]Entry{{Client: "a", Clock: 1}})},
		{name: "huge count", payload: []byte{formatVersion, 0xff, 0xff, 0x03}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := DecodeUpdate(testCase.payload); !errors.Is(err, ErrMalformedUpdate) {
				t.Fatalf("expected ErrMalformedUpdate, got %v", err)
			}
		})
	}
}

func TestStateVectorRoundTrip(t *testing.T) {
	vector := StateVector{"client-b": 7, "client-a": 3}
	decoded, err := DecodeStateVector(EncodeStateVector(vector))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 2 || decoded["client-a"] != 3 || decoded["client-b"] != 7 {
		t.Fatalf("unexpected vector %v", decoded)
	}
}

func TestDigestRoundTrip(t *testing.T) {
	digest := Digest{
		"url":    {Clock: 4, Client: "client-b"},
		"method": {Clock: 2, Client: "client-a"},
	}
	decoded, err := DecodeDigest(EncodeDigest(digest))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 2 || decoded["url"] != digest["url"] || decoded["method"] != digest["method"] {
		t.Fatalf("unexpected digest %v", decoded)
	}

	if _, err := DecodeDigest(EncodeStateVector(StateVector{"client-a": 1})); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected a state vector to be rejected as a digest, got %v", err)
	}
	if _, err := DecodeDigest([]byte{digestVersion, 1, 1}); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected truncated digest to fail, got %v", err)
	}
}

func TestDocumentRejectsMalformedUpdate(t *testing.T) {
	document := NewDocument()
	if _, err := document.Apply([]byte{1, 1}); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}
	if document.Len() != 0 {
		t.Fatalf("expected malformed update to leave the document empty")
	}
}
