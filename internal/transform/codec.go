// Package transform converts cache values to and from their stored transport form.
//
// A value is serialized to JSON and optionally compressed and encrypted. When
// no step applies the transport string is the JSON text itself. Otherwise it is
// base64 of a one-byte envelope header followed by the transformed payload.
package transform

import (
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/utils"
)

// Supported algorithms and orders
const (
	AlgorithmZstd = "zstd"
	AlgorithmS2   = "s2"

	OrderCompressThenEncrypt = "compress-then-encrypt"
	OrderEncryptThenCompress = "encrypt-then-compress"
)

// Envelope header layout. The high nibble is a fixed marker so an enveloped
// payload can never be mistaken for JSON text.
const (
	headerMagic     byte = 0xA0
	headerMagicMask byte = 0xF0

	flagCompressed   byte = 0x01
	flagEncrypted    byte = 0x02
	flagEncryptFirst byte = 0x04
	flagS2           byte = 0x08
)

// Options configures a Codec. Whether a payload is compressed or encrypted
// is decided per call to Encode.
type Options struct {
	Order     string
	Secret    string
	Algorithm string
}

// Flags reports which steps were actually applied to a payload
type Flags struct {
	Compressed bool
	Encrypted  bool
}

// Codec serializes, compresses and encrypts cache values
type Codec struct {
	opts       Options
	compressor compressor
	zstd       *zstdc
	aead       cipher.AEAD
	logger     *zap.Logger
}

// New creates a codec. A missing secret is not an error; encryption requests
// then fall back to plaintext with a warning.
func New(opts Options, logger *zap.Logger) (*Codec, error) {
	if opts.Order == "" {
		opts.Order = OrderCompressThenEncrypt
	}
	if opts.Order != OrderCompressThenEncrypt && opts.Order != OrderEncryptThenCompress {
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown transform order %q", opts.Order)).WithComponent("transform")
	}

	z, err := newZstd()
	if err != nil {
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeInternalError, "failed to initialize compressor").
			WithComponent("transform").WithCause(err)
	}

	c := &Codec{
		opts:   opts,
		zstd:   z,
		logger: utils.OrNop(logger).Named("transform"),
	}
	switch opts.Algorithm {
	case "", AlgorithmZstd:
		c.compressor = z
	case AlgorithmS2:
		c.compressor = s2c{}
	default:
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown compression algorithm %q", opts.Algorithm)).WithComponent("transform")
	}

	if opts.Secret != "" {
		aead, err := newAEAD(opts.Secret)
		if err != nil {
			return nil, cacheerrors.NewError(cacheerrors.ErrCodeEncryption, "failed to initialize cipher").
				WithComponent("transform").WithCause(err)
		}
		c.aead = aead
	}

	return c, nil
}

// Options returns the codec's configuration
func (c *Codec) Options() Options {
	return c.opts
}

// Encode converts value to its transport string
func (c *Codec) Encode(value any, compress, encrypt bool) (string, Flags, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", Flags{}, cacheerrors.Serialization("encode", err)
	}
	return c.EncodeRaw(raw, compress, encrypt)
}

// EncodeRaw transforms already-serialized JSON
func (c *Codec) EncodeRaw(raw []byte, compress, encrypt bool) (string, Flags, error) {
	var flags Flags
	if !compress && !encrypt {
		return string(raw), flags, nil
	}

	payload := raw
	header := headerMagic
	if c.opts.Order == OrderEncryptThenCompress {
		header |= flagEncryptFirst
		payload = c.maybeEncrypt(payload, encrypt, &flags, &header)
		payload = c.maybeCompress(payload, compress, &flags, &header)
	} else {
		payload = c.maybeCompress(payload, compress, &flags, &header)
		payload = c.maybeEncrypt(payload, encrypt, &flags, &header)
	}

	if !flags.Compressed && !flags.Encrypted {
		return string(raw), flags, nil
	}

	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, header)
	buf = append(buf, payload...)
	return base64.StdEncoding.EncodeToString(buf), flags, nil
}

func (c *Codec) maybeCompress(data []byte, enabled bool, flags *Flags, header *byte) []byte {
	if !enabled {
		return data
	}
	out, err := c.compressor.Encode(data)
	if err != nil {
		c.logger.Warn("Compression failed, storing uncompressed", zap.Error(err))
		return data
	}
	flags.Compressed = true
	*header |= flagCompressed
	if c.compressor.Name() == AlgorithmS2 {
		*header |= flagS2
	}
	return out
}

func (c *Codec) maybeEncrypt(data []byte, enabled bool, flags *Flags, header *byte) []byte {
	if !enabled {
		return data
	}
	if c.aead == nil {
		c.logger.Warn("Encryption requested but no secret is configured, storing unencrypted")
		return data
	}
	out, err := seal(c.aead, data)
	if err != nil {
		c.logger.Warn("Encryption failed, storing unencrypted", zap.Error(err))
		return data
	}
	flags.Encrypted = true
	*header |= flagEncrypted
	return out
}

// Decode restores a transport string into out
func (c *Codec) Decode(transport string, out any) error {
	raw, err := c.DecodeRaw(transport)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return cacheerrors.Serialization("decode", err)
	}
	return nil
}

// DecodeRaw returns the JSON bytes behind a transport string
func (c *Codec) DecodeRaw(transport string) ([]byte, error) {
	// Untransformed and legacy payloads are plain JSON
	if json.Valid([]byte(transport)) {
		return []byte(transport), nil
	}
	return c.decodeEnvelope(transport)
}

func (c *Codec) decodeEnvelope(transport string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(transport)
	if err != nil {
		return nil, cacheerrors.Serialization("decode", fmt.Errorf("payload is neither JSON nor an envelope: %w", err))
	}
	if len(data) == 0 || data[0]&headerMagicMask != headerMagic {
		return nil, cacheerrors.Serialization("decode", fmt.Errorf("missing envelope header"))
	}

	header := data[0]
	payload := data[1:]

	if header&flagEncryptFirst != 0 {
		if payload, err = c.decompress(payload, header); err != nil {
			return nil, err
		}
		if payload, err = c.decrypt(payload, header); err != nil {
			return nil, err
		}
	} else {
		if payload, err = c.decrypt(payload, header); err != nil {
			return nil, err
		}
		if payload, err = c.decompress(payload, header); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (c *Codec) decompress(data []byte, header byte) ([]byte, error) {
	if header&flagCompressed == 0 {
		return data, nil
	}
	var comp compressor = c.zstd
	if header&flagS2 != 0 {
		comp = s2c{}
	}
	out, err := comp.Decode(data)
	if err != nil {
		return nil, cacheerrors.Serialization("decompress", err)
	}
	return out, nil
}

func (c *Codec) decrypt(data []byte, header byte) ([]byte, error) {
	if header&flagEncrypted == 0 {
		return data, nil
	}
	if c.aead == nil {
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeDeserialization, "encrypted payload but no secret is configured").
			WithComponent("transform").WithOperation("decrypt")
	}
	out, err := open(c.aead, data)
	if err != nil {
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeDeserialization, "failed to decrypt payload").
			WithComponent("transform").WithOperation("decrypt").WithCause(err)
	}
	return out, nil
}

// EstimateSize returns the size in bytes that a transport string occupies
func EstimateSize(transport string) int64 {
	return int64(len(transport))
}
