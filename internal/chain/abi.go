package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Minimal ABI codec for the contract surface this service actually calls:
// string, uint256, uint8, address and bool, with standard 32-byte word
// head/tail layout for dynamic values. The node expects the 4-byte Keccak
// selector of the canonical signature followed by the encoded arguments.

const wordSize = 32

var zeroAddress = "0x0000000000000000000000000000000000000000"

// Selector returns the 4-byte function selector for a canonical signature
// such as "getProduct(string)".
func Selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// EncodeCall builds selector + encoded arguments for a read call.
func EncodeCall(signature string, argTypes []string, args []any) ([]byte, error) {
	if len(argTypes) != len(args) {
		return nil, fmt.Errorf("abi: %d types for %d args", len(argTypes), len(args))
	}
	body, err := encodeArgs(argTypes, args)
	if err != nil {
		return nil, err
	}
	return append(Selector(signature), body...), nil
}

func encodeArgs(argTypes []string, args []any) ([]byte, error) {
	head := make([]byte, 0, len(args)*wordSize)
	tail := make([]byte, 0)
	headSize := len(args) * wordSize

	for i, t := range argTypes {
		switch t {
		case "string":
			s, ok := args[i].(string)
			if !ok {
				return nil, fmt.Errorf("abi: arg %d is %T, want string", i, args[i])
			}
			head = append(head, encodeUint(uint64(headSize+len(tail)))...)
			tail = append(tail, encodeBytes([]byte(s))...)
		case "uint256", "uint8":
			u, err := toUint64(args[i])
			if err != nil {
				return nil, fmt.Errorf("abi: arg %d: %w", i, err)
			}
			head = append(head, encodeUint(u)...)
		case "address":
			s, ok := args[i].(string)
			if !ok {
				return nil, fmt.Errorf("abi: arg %d is %T, want address string", i, args[i])
			}
			word, err := encodeAddress(s)
			if err != nil {
				return nil, fmt.Errorf("abi: arg %d: %w", i, err)
			}
			head = append(head, word...)
		case "bool":
			b, ok := args[i].(bool)
			if !ok {
				return nil, fmt.Errorf("abi: arg %d is %T, want bool", i, args[i])
			}
			var u uint64
			if b {
				u = 1
			}
			head = append(head, encodeUint(u)...)
		default:
			return nil, fmt.Errorf("abi: unsupported argument type %q", t)
		}
	}
	return append(head, tail...), nil
}

// DecodeResult decodes a return payload according to retTypes. Dynamic values
// are resolved through their head offsets.
func DecodeResult(data []byte, retTypes []string) ([]any, error) {
	out := make([]any, 0, len(retTypes))
	for i, t := range retTypes {
		word, err := wordAt(data, i)
		if err != nil {
			return nil, err
		}
		switch t {
		case "string":
			offset, err := wordToUint(word)
			if err != nil {
				return nil, fmt.Errorf("abi: ret %d offset: %w", i, err)
			}
			s, err := decodeBytes(data, int(offset))
			if err != nil {
				return nil, fmt.Errorf("abi: ret %d: %w", i, err)
			}
			out = append(out, string(s))
		case "uint256", "uint8":
			u, err := wordToUint(word)
			if err != nil {
				return nil, fmt.Errorf("abi: ret %d: %w", i, err)
			}
			out = append(out, int64(u))
		case "address":
			out = append(out, "0x"+fmt.Sprintf("%x", word[12:]))
		case "bool":
			u, err := wordToUint(word)
			if err != nil {
				return nil, fmt.Errorf("abi: ret %d: %w", i, err)
			}
			out = append(out, u != 0)
		default:
			return nil, fmt.Errorf("abi: unsupported return type %q", t)
		}
	}
	return out, nil
}

func wordAt(data []byte, index int) ([]byte, error) {
	start := index * wordSize
	if len(data) < start+wordSize {
		return nil, fmt.Errorf("abi: payload too short for word %d (%d bytes)", index, len(data))
	}
	return data[start : start+wordSize], nil
}

func encodeUint(u uint64) []byte {
	word := make([]byte, wordSize)
	binary.BigEndian.PutUint64(word[wordSize-8:], u)
	return word
}

func encodeAddress(addr string) ([]byte, error) {
	hexPart := strings.TrimPrefix(strings.ToLower(addr), "0x")
	if len(hexPart) != 40 {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	raw := new(big.Int)
	if _, ok := raw.SetString(hexPart, 16); !ok {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	word := make([]byte, wordSize)
	raw.FillBytes(word[12:])
	return word, nil
}

func encodeBytes(b []byte) []byte {
	out := encodeUint(uint64(len(b)))
	out = append(out, b...)
	if rem := len(b) % wordSize; rem != 0 {
		out = append(out, make([]byte, wordSize-rem)...)
	}
	return out
}

func decodeBytes(data []byte, offset int) ([]byte, error) {
	if len(data) < offset+wordSize {
		return nil, fmt.Errorf("offset %d past payload end", offset)
	}
	length, err := wordToUint(data[offset : offset+wordSize])
	if err != nil {
		return nil, err
	}
	start := offset + wordSize
	if uint64(len(data)) < uint64(start)+length {
		return nil, fmt.Errorf("dynamic value of %d bytes past payload end", length)
	}
	return data[start : uint64(start)+length], nil
}

func wordToUint(word []byte) (uint64, error) {
	for _, b := range word[:wordSize-8] {
		if b != 0 {
			return 0, fmt.Errorf("value exceeds uint64 range")
		}
	}
	return binary.BigEndian.Uint64(word[wordSize-8:]), nil
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	case *big.Int:
		if n.Sign() < 0 || !n.IsUint64() {
			return 0, fmt.Errorf("value %s out of range", n)
		}
		return n.Uint64(), nil
	default:
		return 0, fmt.Errorf("cannot encode %T as uint", v)
	}
}
