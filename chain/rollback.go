package chain

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/sablenet/sabled/core"
)

// rollbackData is what a forward apply records so the block can be undone:
// the full bytes of every output its inputs consumed, in input order.
// Kernels and created outputs need no extra data; the body itself lists
// them. The full output is stored rather than a lookup key so a spent
// multi-use commitment can be reconstructed deterministically.
type rollbackData struct {
	consumed []*core.Output
}

func (r *rollbackData) serialize() []byte {
	w := &bytes.Buffer{}
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(r.consumed)))
	w.Write(scratch[:])
	for _, out := range r.consumed {
		w.Write(core.SerializeOutput(out))
	}
	return w.Bytes()
}

func deserializeRollbackData(b []byte) (*rollbackData, error) {
	r := bytes.NewReader(b)
	var scratch [4]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, errors.Wrap(err, "short rollback record")
	}
	count := binary.LittleEndian.Uint32(scratch[:])
	if int64(count)*core.OutputSize > int64(r.Len()) {
		return nil, errors.Errorf("rollback record count %d exceeds payload", count)
	}
	data := &rollbackData{consumed: make([]*core.Output, count)}
	buf := make([]byte, core.OutputSize)
	for i := range data.consumed {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "short rollback record")
		}
		out, err := core.DeserializeOutput(buf)
		if err != nil {
			return nil, err
		}
		data.consumed[i] = out
	}
	return data, nil
}
