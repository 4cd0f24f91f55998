package transform

import (
	"encoding/base64"
	"strings"
	"testing"

	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
)

type listing struct {
	ID     string   `json:"id"`
	Price  int      `json:"price"`
	Photos []string `json:"photos"`
}

func sampleListing() listing {
	return listing{
		ID:     "mls-4411",
		Price:  525000,
		Photos: []string{strings.Repeat("front-yard.jpg,", 40), "kitchen.jpg"},
	}
}

func newCodec(t *testing.T, opts Options) *Codec {
	t.Helper()
	c, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		opts          Options
		compress      bool
		encrypt       bool
		wantCompress  bool
		wantEncrypted bool
	}{
		{name: "plain", opts: Options{}},
		{name: "zstd", opts: Options{Algorithm: AlgorithmZstd}, compress: true, wantCompress: true},
		{name: "s2", opts: Options{Algorithm: AlgorithmS2}, compress: true, wantCompress: true},
		{name: "encrypt only", opts: Options{Secret: "hunter2"}, encrypt: true, wantEncrypted: true},
		{
			name:     "compress then encrypt",
			opts:     Options{Secret: "hunter2", Order: OrderCompressThenEncrypt},
			compress: true, encrypt: true, wantCompress: true, wantEncrypted: true,
		},
		{
			name:     "encrypt then compress",
			opts:     Options{Secret: "hunter2", Order: OrderEncryptThenCompress, Algorithm: AlgorithmS2},
			compress: true, encrypt: true, wantCompress: true, wantEncrypted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newCodec(t, tt.opts)
			in := sampleListing()

			transport, flags, err := c.Encode(in, tt.compress, tt.encrypt)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if flags.Compressed != tt.wantCompress || flags.Encrypted != tt.wantEncrypted {
				t.Errorf("Encode() flags = %+v, want compressed=%v encrypted=%v", flags, tt.wantCompress, tt.wantEncrypted)
			}

			var out listing
			if err := c.Decode(transport, &out); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if out.ID != in.ID || out.Price != in.Price || len(out.Photos) != len(in.Photos) {
				t.Errorf("Decode() = %+v, want %+v", out, in)
			}
		})
	}
}

func TestCodecPlainIsJSON(t *testing.T) {
	t.Parallel()

	c := newCodec(t, Options{})
	transport, _, err := c.Encode(map[string]int{"beds": 3}, false, false)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if transport != `{"beds":3}` {
		t.Errorf("Encode() = %q, want plain JSON", transport)
	}
}

func TestCodecCompressionShrinks(t *testing.T) {
	t.Parallel()

	c := newCodec(t, Options{})
	in := sampleListing()

	plain, _, _ := c.Encode(in, false, false)
	compressed, _, err := c.Encode(in, true, false)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if EstimateSize(compressed) >= EstimateSize(plain) {
		t.Errorf("compressed size %d should be below plain size %d", EstimateSize(compressed), EstimateSize(plain))
	}
}

func TestCodecEncryptionFallback(t *testing.T) {
	t.Parallel()

	// No secret: encryption is skipped rather than failing the write
	c := newCodec(t, Options{})
	transport, flags, err := c.Encode("secret notes", false, true)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if flags.Encrypted {
		t.Error("Encode() reported encryption without a secret")
	}
	var out string
	if err := c.Decode(transport, &out); err != nil || out != "secret notes" {
		t.Errorf("Decode() = %q, %v", out, err)
	}
}

func TestCodecDecodeLegacyJSON(t *testing.T) {
	t.Parallel()

	c := newCodec(t, Options{Secret: "hunter2"})
	var out listing
	if err := c.Decode(`{"id":"legacy","price":1}`, &out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.ID != "legacy" {
		t.Errorf("Decode() = %+v", out)
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	t.Parallel()

	writer := newCodec(t, Options{Secret: "hunter2"})
	encrypted, _, err := writer.Encode("x", false, true)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	tests := []struct {
		name      string
		codec     *Codec
		transport string
		code      cacheerrors.ErrorCode
	}{
		{"not base64", writer, "%%%not-json%%%", cacheerrors.ErrCodeSerialization},
		{"no header", writer, base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}), cacheerrors.ErrCodeSerialization},
		{"wrong secret", newCodec(t, Options{Secret: "other"}), encrypted, cacheerrors.ErrCodeDeserialization},
		{"missing secret", newCodec(t, Options{}), encrypted, cacheerrors.ErrCodeDeserialization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out string
			err := tt.codec.Decode(tt.transport, &out)
			if err == nil {
				t.Fatal("Decode() expected error")
			}
			if !cacheerrors.HasCode(err, tt.code) {
				t.Errorf("Decode() error = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestCodecSerializationError(t *testing.T) {
	t.Parallel()

	c := newCodec(t, Options{})
	_, _, err := c.Encode(make(chan int), false, false)
	if !cacheerrors.HasCode(err, cacheerrors.ErrCodeSerialization) {
		t.Errorf("Encode(chan) error = %v, want serialization error", err)
	}
}

func TestNewRejectsUnknownOptions(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Algorithm: "lz4"}, nil); err == nil {
		t.Error("expected error for unknown algorithm")
	}
	if _, err := New(Options{Order: "sideways"}, nil); err == nil {
		t.Error("expected error for unknown order")
	}
}

func TestDecodeRaw(t *testing.T) {
	t.Parallel()

	c := newCodec(t, Options{})
	transport, _, _ := c.Encode([]int{1, 2, 3}, true, false)
	raw, err := c.DecodeRaw(transport)
	if err != nil {
		t.Fatalf("DecodeRaw() error = %v", err)
	}
	if string(raw) != "[1,2,3]" {
		t.Errorf("DecodeRaw() = %s", raw)
	}
}
