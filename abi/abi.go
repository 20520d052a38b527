// Package abi derives the external call surface: canonical signature
// strings, 4-byte function selectors, event topic hashes and the static
// head layout used when marshalling call arguments.
package abi

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/tos-network/calla/types"
	"golang.org/x/crypto/sha3"
)

// WordSize is the stack/encoding word width in bytes.
const WordSize = 32

// SelectorSize is the function selector width in bytes.
const SelectorSize = 4

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// CanonicalType is the signature atom for a primitive. Enums travel as
// uint256 words, structs as their flattened field tuple.
func CanonicalType(p types.Primitive) string {
	switch p := p.(type) {
	case *types.IntPrim, types.BoolPrim, types.AddressPrim, *types.BytesPrim:
		return p.String()
	case *types.EnumPrim:
		return "uint256"
	case *types.ArrayPrim:
		return CanonicalType(p.Elem) + "[" + strconv.Itoa(p.Len) + "]"
	case *types.StructPrim:
		parts := make([]string, len(p.Fields))
		for i, f := range p.Fields {
			parts[i] = CanonicalType(f.Type)
		}
		return "(" + strings.Join(parts, ",") + ")"
	case *types.TuplePrim:
		parts := make([]string, len(p.Elems))
		for i, e := range p.Elems {
			parts[i] = CanonicalType(e)
		}
		return "(" + strings.Join(parts, ",") + ")"
	}
	return p.String()
}

// Signature is the canonical "name(type,...)" spelling hashed for
// selectors and topics.
func Signature(name string, params []types.Primitive) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = CanonicalType(p)
	}
	return name + "(" + strings.Join(parts, ",") + ")"
}

// Selector is the first four keccak bytes of the canonical signature.
func Selector(name string, params []types.Primitive) [4]byte {
	sum := keccak256([]byte(Signature(name, params)))
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

// SelectorHex formats a selector as 0x-prefixed hex.
func SelectorHex(sel [4]byte) string {
	return "0x" + hex.EncodeToString(sel[:])
}

// EventTopic is the 32-byte topic hash identifying an event kind.
func EventTopic(name string, fields []types.EventField) [32]byte {
	params := make([]types.Primitive, len(fields))
	for i, f := range fields {
		params[i] = f.Type
	}
	sum := keccak256([]byte(Signature(name, params)))
	var out [32]byte
	copy(out[:], sum)
	return out
}

// HeadLayout returns the static call-data byte offset of each parameter,
// after the selector. Every supported parameter type has a fixed width,
// so the layout is position-only.
func HeadLayout(params []types.Primitive) []int {
	offs := make([]int, len(params))
	off := 0
	for i, p := range params {
		offs[i] = off
		off += p.Words() * WordSize
	}
	return offs
}

// EncodedSize is the head size in bytes of a parameter list.
func EncodedSize(params []types.Primitive) int {
	total := 0
	for _, p := range params {
		total += p.Words() * WordSize
	}
	return total
}
