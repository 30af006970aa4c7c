package rpc

import (
	"encoding/base64"
	"math"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// EncodeAccountData encodes account data according to the specified encoding.
func EncodeAccountData(data []byte, encoding Encoding) (interface{}, error) {
	switch encoding {
	case EncodingBase58:
		return []string{base58.Encode(data), string(EncodingBase58)}, nil

	case EncodingBase64Zstd:
		compressed, err := compressZstd(data)
		if err != nil {
			return nil, errors.Wrap(err, "zstd compression failed")
		}
		return []string{base64.StdEncoding.EncodeToString(compressed), string(EncodingBase64Zstd)}, nil

	default:
		return []string{base64.StdEncoding.EncodeToString(data), string(EncodingBase64)}, nil
	}
}

// DecodeAccountData decodes account data from the specified encoding.
func DecodeAccountData(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Decode(encoded)

	case EncodingBase64Zstd:
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.Wrap(err, "base64 decode failed")
		}
		return decompressZstd(compressed)

	default:
		return base64.StdEncoding.DecodeString(encoded)
	}
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}

// EncodeTransaction encodes a wire transaction as [encoded, encoding].
func EncodeTransaction(data []byte, encoding Encoding) []string {
	if encoding == EncodingBase58 {
		return []string{base58.Encode(data), string(EncodingBase58)}
	}
	return []string{base64.StdEncoding.EncodeToString(data), string(EncodingBase64)}
}

// DecodeTransaction decodes a submitted wire transaction. Submissions default
// to base58, as Solana's sendTransaction does.
func DecodeTransaction(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case "", EncodingBase58:
		return base58.Decode(encoded)
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(encoded)
	default:
		return nil, errors.Errorf("unsupported transaction encoding %q", encoding)
	}
}

// ApplyDataSlice applies a data slice to account data.
func ApplyDataSlice(data []byte, slice *DataSlice) []byte {
	if slice == nil {
		return data
	}

	start := slice.Offset
	if start >= uint64(len(data)) {
		return []byte{}
	}

	end := start + slice.Length
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}

	return data[start:end]
}

// ParseEncoding parses an encoding string to Encoding type.
func ParseEncoding(s string) Encoding {
	switch s {
	case "base58":
		return EncodingBase58
	case "base64+zstd":
		return EncodingBase64Zstd
	default:
		return EncodingBase64
	}
}

// NewUITokenAmount formats a raw token amount with the mint's decimals.
func NewUITokenAmount(amount uint64, decimals uint8) UITokenAmount {
	raw := strconv.FormatUint(amount, 10)
	ui := float64(amount) / math.Pow10(int(decimals))
	return UITokenAmount{
		Amount:         raw,
		Decimals:       decimals,
		UIAmount:       &ui,
		UIAmountString: uiAmountString(raw, decimals),
	}
}

// uiAmountString places the decimal point in the raw amount without going
// through floating point, trimming trailing zeros.
func uiAmountString(raw string, decimals uint8) string {
	d := int(decimals)
	if d == 0 {
		return raw
	}
	for len(raw) <= d {
		raw = "0" + raw
	}
	whole, frac := raw[:len(raw)-d], raw[len(raw)-d:]
	for len(frac) > 0 && frac[len(frac)-1] == '0' {
		frac = frac[:len(frac)-1]
	}
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}
