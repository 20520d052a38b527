package calla

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

var ccaMagic = [4]byte{'C', 'C', 'A', 0}

// FormatVersion is the binary format version for .cca artifacts.
const FormatVersion uint16 = 1

// Artifact is a decoded .cca payload: both bytecode blobs plus the
// JSON side documents, integrity-bound by a keccak hash over the deploy
// blob.
type Artifact struct {
	Version  uint16
	Compiler string
	Name     string

	Deploy  []byte
	Runtime []byte

	ABIJSON       []byte
	StorageJSON   []byte
	SourceMapJSON []byte
}

// DeployHash is the keccak hash of the deploy blob, 0x-prefixed.
func (a *Artifact) DeployHash() string {
	return "0x" + hex.EncodeToString(keccak256(a.Deploy))
}

// IsArtifact reports whether data starts with the .cca magic bytes.
func IsArtifact(data []byte) bool {
	return len(data) >= len(ccaMagic) && bytes.Equal(data[:len(ccaMagic)], ccaMagic[:])
}

// Encode serializes the artifact into its .cca byte form.
func (a *Artifact) Encode() ([]byte, error) {
	if strings.TrimSpace(a.Name) == "" {
		return nil, errors.New("artifact has no module name")
	}
	if len(a.Deploy) == 0 {
		return nil, errors.New("artifact has no deploy blob")
	}
	version := a.Version
	if version == 0 {
		version = FormatVersion
	}
	compiler := a.Compiler
	if compiler == "" {
		compiler = "calla/" + PackageVersion
	}

	var buf bytes.Buffer
	buf.Write(ccaMagic[:])
	writeU16(&buf, version)
	writeString(&buf, compiler)
	writeString(&buf, a.Name)
	writeBlob(&buf, a.Deploy)
	writeBlob(&buf, a.Runtime)
	writeBlob(&buf, a.ABIJSON)
	writeBlob(&buf, a.StorageJSON)
	writeBlob(&buf, a.SourceMapJSON)
	buf.Write(keccak256(a.Deploy))
	return buf.Bytes(), nil
}

// DecodeArtifact deserializes and verifies a .cca payload.
func DecodeArtifact(data []byte) (*Artifact, error) {
	r := &sliceReader{b: data}
	var magic [4]byte
	if err := r.fixed(magic[:]); err != nil {
		return nil, errors.Wrap(err, "artifact header")
	}
	if magic != ccaMagic {
		return nil, errors.New("not a cca artifact")
	}
	version, err := r.u16()
	if err != nil {
		return nil, errors.Wrap(err, "artifact version")
	}
	if version != FormatVersion {
		return nil, errors.Errorf("unsupported artifact version %d", version)
	}
	compiler, err := r.str()
	if err != nil {
		return nil, errors.Wrap(err, "compiler id")
	}
	name, err := r.str()
	if err != nil {
		return nil, errors.Wrap(err, "module name")
	}
	deploy, err := r.blob()
	if err != nil {
		return nil, errors.Wrap(err, "deploy blob")
	}
	runtime, err := r.blob()
	if err != nil {
		return nil, errors.Wrap(err, "runtime blob")
	}
	abiJSON, err := r.blob()
	if err != nil {
		return nil, errors.Wrap(err, "abi document")
	}
	storageJSON, err := r.blob()
	if err != nil {
		return nil, errors.Wrap(err, "storage layout document")
	}
	mapJSON, err := r.blob()
	if err != nil {
		return nil, errors.Wrap(err, "source map document")
	}
	sum := make([]byte, 32)
	if err := r.fixed(sum); err != nil {
		return nil, errors.Wrap(err, "deploy hash")
	}
	if r.n != len(data) {
		return nil, errors.New("trailing bytes in artifact")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("artifact module name is empty")
	}
	if len(deploy) == 0 {
		return nil, errors.New("artifact deploy blob is empty")
	}
	if !bytes.Equal(keccak256(deploy), sum) {
		return nil, errors.New("artifact deploy hash mismatch")
	}
	return &Artifact{
		Version:       version,
		Compiler:      compiler,
		Name:          name,
		Deploy:        deploy,
		Runtime:       runtime,
		ABIJSON:       abiJSON,
		StorageJSON:   storageJSON,
		SourceMapJSON: mapJSON,
	}, nil
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(data)
	return h.Sum(nil)
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeBlob(buf, []byte(s))
}

func writeBlob(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

type sliceReader struct {
	b []byte
	n int
}

func (r *sliceReader) fixed(out []byte) error {
	if r.n+len(out) > len(r.b) {
		return io.ErrUnexpectedEOF
	}
	copy(out, r.b[r.n:])
	r.n += len(out)
	return nil
}

func (r *sliceReader) u16() (uint16, error) {
	var b [2]byte
	if err := r.fixed(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func (r *sliceReader) u32() (uint32, error) {
	var b [4]byte
	if err := r.fixed(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (r *sliceReader) blob() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if int(n) > len(r.b)-r.n {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, r.b[r.n:])
	r.n += int(n)
	return out, nil
}

func (r *sliceReader) str() (string, error) {
	b, err := r.blob()
	return string(b), err
}
