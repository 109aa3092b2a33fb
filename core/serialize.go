package core

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/big"

	"github.com/pkg/errors"

	"github.com/sablenet/sabled/ecc"
)

// Serialized element sizes in bytes.
const (
	headerSize = 8 + ecc.HashSize + 8 + 4 + 32 + ecc.HashSize + ecc.HashSize + 8
	inputSize  = ecc.CommitmentSize + 8
	outputSize = ecc.CommitmentSize + 8 + 1 + 8 + ecc.RangeProofSize
	kernelSize = ecc.CommitmentSize + 8 + 8 + 8 + ecc.SignatureSize
)

// maxBodyElements bounds each element list of a deserialized body, so a
// malformed length prefix cannot force a huge allocation.
const maxBodyElements = 1 << 20

var byteOrder = binary.LittleEndian

// SerializeHeader encodes the header into its canonical fixed-size form.
func SerializeHeader(h *Header) []byte {
	buf := make([]byte, 0, headerSize)
	var scratch [8]byte

	byteOrder.PutUint64(scratch[:], h.Height)
	buf = append(buf, scratch[:]...)
	buf = append(buf, h.Prev[:]...)
	byteOrder.PutUint64(scratch[:], uint64(h.Timestamp))
	buf = append(buf, scratch[:]...)
	byteOrder.PutUint32(scratch[:4], h.Bits)
	buf = append(buf, scratch[:4]...)

	var work [32]byte
	if h.ChainWork != nil {
		h.ChainWork.FillBytes(work[:])
	}
	buf = append(buf, work[:]...)

	buf = append(buf, h.UtxoRoot[:]...)
	buf = append(buf, h.KernelRoot[:]...)
	byteOrder.PutUint64(scratch[:], h.PowNonce)
	buf = append(buf, scratch[:]...)

	return buf
}

// DeserializeHeader decodes a canonical header encoding.
func DeserializeHeader(b []byte) (*Header, error) {
	if len(b) != headerSize {
		return nil, errors.Errorf("header length %d, want %d", len(b), headerSize)
	}
	h := &Header{}
	h.Height = byteOrder.Uint64(b[:8])
	b = b[8:]
	copy(h.Prev[:], b[:ecc.HashSize])
	b = b[ecc.HashSize:]
	h.Timestamp = int64(byteOrder.Uint64(b[:8]))
	b = b[8:]
	h.Bits = byteOrder.Uint32(b[:4])
	b = b[4:]
	h.ChainWork = new(big.Int).SetBytes(b[:32])
	b = b[32:]
	copy(h.UtxoRoot[:], b[:ecc.HashSize])
	b = b[ecc.HashSize:]
	copy(h.KernelRoot[:], b[:ecc.HashSize])
	b = b[ecc.HashSize:]
	h.PowNonce = byteOrder.Uint64(b[:8])
	return h, nil
}

func serializeInput(w *bytes.Buffer, in *Input) {
	w.Write(in.Commitment[:])
	var scratch [8]byte
	byteOrder.PutUint64(scratch[:], in.Maturity)
	w.Write(scratch[:])
}

func deserializeInput(r io.Reader) (*Input, error) {
	var buf [inputSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, errors.Wrap(err, "short input")
	}
	in := &Input{}
	copy(in.Commitment[:], buf[:ecc.CommitmentSize])
	in.Maturity = byteOrder.Uint64(buf[ecc.CommitmentSize:])
	return in, nil
}

func serializeOutput(w *bytes.Buffer, out *Output) {
	w.Write(out.Commitment[:])
	var scratch [8]byte
	byteOrder.PutUint64(scratch[:], out.Maturity)
	w.Write(scratch[:])
	if out.Coinbase {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	byteOrder.PutUint64(scratch[:], out.Value)
	w.Write(scratch[:])
	proof := out.RangeProof.Serialize()
	w.Write(proof[:])
}

func deserializeOutput(r io.Reader) (*Output, error) {
	var buf [outputSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, errors.Wrap(err, "short output")
	}
	out := &Output{}
	b := buf[:]
	copy(out.Commitment[:], b[:ecc.CommitmentSize])
	b = b[ecc.CommitmentSize:]
	out.Maturity = byteOrder.Uint64(b[:8])
	b = b[8:]
	switch b[0] {
	case 0:
		out.Coinbase = false
	case 1:
		out.Coinbase = true
	default:
		return nil, errors.Errorf("invalid coinbase flag %d", b[0])
	}
	b = b[1:]
	out.Value = byteOrder.Uint64(b[:8])
	b = b[8:]
	var proof [ecc.RangeProofSize]byte
	copy(proof[:], b)
	out.RangeProof = ecc.DeserializeRangeProof(proof)
	return out, nil
}

// serializeKernelBody encodes the signed portion of a kernel: everything but
// the signature.
func serializeKernelBody(k *TxKernel) []byte {
	buf := make([]byte, 0, ecc.CommitmentSize+24)
	var scratch [8]byte
	buf = append(buf, k.Excess[:]...)
	byteOrder.PutUint64(scratch[:], k.Fee)
	buf = append(buf, scratch[:]...)
	byteOrder.PutUint64(scratch[:], k.MinHeight)
	buf = append(buf, scratch[:]...)
	byteOrder.PutUint64(scratch[:], k.MaxHeight)
	buf = append(buf, scratch[:]...)
	return buf
}

func serializeKernel(w *bytes.Buffer, k *TxKernel) {
	w.Write(serializeKernelBody(k))
	w.Write(k.Signature.NoncePub[:])
	w.Write(k.Signature.S[:])
}

func deserializeKernel(r io.Reader) (*TxKernel, error) {
	var buf [kernelSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, errors.Wrap(err, "short kernel")
	}
	k := &TxKernel{}
	b := buf[:]
	copy(k.Excess[:], b[:ecc.CommitmentSize])
	b = b[ecc.CommitmentSize:]
	k.Fee = byteOrder.Uint64(b[:8])
	b = b[8:]
	k.MinHeight = byteOrder.Uint64(b[:8])
	b = b[8:]
	k.MaxHeight = byteOrder.Uint64(b[:8])
	b = b[8:]
	copy(k.Signature.NoncePub[:], b[:ecc.CommitmentSize])
	b = b[ecc.CommitmentSize:]
	copy(k.Signature.S[:], b)
	return k, nil
}

func serializeBody(inputs []*Input, outputs []*Output, kernels []*TxKernel) []byte {
	w := &bytes.Buffer{}
	var scratch [4]byte

	byteOrder.PutUint32(scratch[:], uint32(len(inputs)))
	w.Write(scratch[:])
	for _, in := range inputs {
		serializeInput(w, in)
	}
	byteOrder.PutUint32(scratch[:], uint32(len(outputs)))
	w.Write(scratch[:])
	for _, out := range outputs {
		serializeOutput(w, out)
	}
	byteOrder.PutUint32(scratch[:], uint32(len(kernels)))
	w.Write(scratch[:])
	for _, k := range kernels {
		serializeKernel(w, k)
	}
	return w.Bytes()
}

func deserializeBody(b []byte) (inputs []*Input, outputs []*Output, kernels []*TxKernel, err error) {
	r := bytes.NewReader(b)

	readCount := func() (uint32, error) {
		var scratch [4]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return 0, errors.Wrap(err, "short element count")
		}
		n := byteOrder.Uint32(scratch[:])
		if n > maxBodyElements {
			return 0, errors.Errorf("element count %d exceeds maximum %d",
				n, maxBodyElements)
		}
		return n, nil
	}

	n, err := readCount()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = make([]*Input, n)
	for i := range inputs {
		if inputs[i], err = deserializeInput(r); err != nil {
			return nil, nil, nil, err
		}
	}

	n, err = readCount()
	if err != nil {
		return nil, nil, nil, err
	}
	outputs = make([]*Output, n)
	for i := range outputs {
		if outputs[i], err = deserializeOutput(r); err != nil {
			return nil, nil, nil, err
		}
	}

	n, err = readCount()
	if err != nil {
		return nil, nil, nil, err
	}
	kernels = make([]*TxKernel, n)
	for i := range kernels {
		if kernels[i], err = deserializeKernel(r); err != nil {
			return nil, nil, nil, err
		}
	}

	if r.Len() != 0 {
		return nil, nil, nil, errors.Errorf("%d trailing bytes after body", r.Len())
	}
	return inputs, outputs, kernels, nil
}

// SerializeOutput encodes a single output into its canonical fixed-size
// form. It is used by the rollback records, which must carry the full
// consumed output rather than a lookup key.
func SerializeOutput(out *Output) []byte {
	w := &bytes.Buffer{}
	w.Grow(outputSize)
	serializeOutput(w, out)
	return w.Bytes()
}

// DeserializeOutput decodes a single canonical output encoding.
func DeserializeOutput(b []byte) (*Output, error) {
	return deserializeOutput(bytes.NewReader(b))
}

// OutputSize is the canonical encoded size of a single output.
const OutputSize = outputSize

// SerializeBlockBody encodes a block body (without its header).
func SerializeBlockBody(b *Block) []byte {
	return serializeBody(b.Inputs, b.Outputs, b.Kernels)
}

// DeserializeBlockBody decodes a block body.
func DeserializeBlockBody(b []byte) (*Block, error) {
	inputs, outputs, kernels, err := deserializeBody(b)
	if err != nil {
		return nil, err
	}
	return &Block{Inputs: inputs, Outputs: outputs, Kernels: kernels}, nil
}

// SerializeTransaction encodes a loose transaction.
func SerializeTransaction(tx *Transaction) []byte {
	return serializeBody(tx.Inputs, tx.Outputs, tx.Kernels)
}

// DeserializeTransaction decodes a loose transaction.
func DeserializeTransaction(b []byte) (*Transaction, error) {
	inputs, outputs, kernels, err := deserializeBody(b)
	if err != nil {
		return nil, err
	}
	return &Transaction{Inputs: inputs, Outputs: outputs, Kernels: kernels}, nil
}

// SerializedSize returns the encoded size of the transaction in bytes.
func (tx *Transaction) SerializedSize() int {
	return 12 + len(tx.Inputs)*inputSize +
		len(tx.Outputs)*outputSize + len(tx.Kernels)*kernelSize
}

// SerializedSize returns the encoded size of the block body in bytes.
func (b *Block) SerializedSize() int {
	return b.Body().SerializedSize()
}
