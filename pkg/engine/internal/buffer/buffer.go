// Package buffer defines the unit of data handed between pipelines.
package buffer

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

// TupleBuffer is the unit of work of a pipeline. It carries either raw bytes
// read by a source (Data) or a decoded Arrow record (Record).
//
// Every stage emits exactly one buffer per input buffer, keeping Origin and
// Sequence. Consumers that track progress per [Input], such as window
// operators, rely on seeing every sequence number of an origin from each
// producer.
type TupleBuffer struct {
	// Origin identifies the producer of the sequence.
	Origin types.OriginID

	// Sequence numbers buffers of an origin, starting at 1.
	Sequence uint64

	// Producer is the pipeline that emitted the buffer, or zero for buffers
	// read by a source. It is set by the runtime on dispatch.
	Producer types.PipelineID

	// Data holds raw source bytes. It is invalid for decoded buffers.
	Data memory.Buffer

	// Record holds decoded tuples. It may be nil for buffers that carry no
	// rows.
	Record arrow.Record

	// Last marks the final buffer of an origin.
	Last bool
}

// Input identifies one stream of buffers arriving at a pipeline: the buffers
// of an origin as emitted by one producer. A pipeline fed by several
// producers sees the same origin once per producer.
type Input struct {
	Producer types.PipelineID
	Origin   types.OriginID
}

func (in Input) String() string {
	if in.Producer == 0 {
		return in.Origin.String()
	}
	return fmt.Sprintf("%s/%s", in.Producer, in.Origin)
}

// Input returns the input stream b belongs to.
func (b TupleBuffer) Input() Input { return Input{Producer: b.Producer, Origin: b.Origin} }

// FromRecord returns a buffer holding rec. The buffer takes over the
// reference of the caller.
func FromRecord(origin types.OriginID, seq uint64, rec arrow.Record) TupleBuffer {
	return TupleBuffer{Origin: origin, Sequence: seq, Record: rec}
}

// Derive returns an empty buffer with the origin, sequence and last marker of
// b, to be filled with the output of a stage.
func (b TupleBuffer) Derive(rec arrow.Record) TupleBuffer {
	return TupleBuffer{Origin: b.Origin, Sequence: b.Sequence, Record: rec, Last: b.Last}
}

// Bytes returns the raw bytes of the buffer.
func (b TupleBuffer) Bytes() []byte {
	if !b.Data.Valid() {
		return nil
	}
	return b.Data.Bytes()
}

// NumRows returns the number of decoded tuples in the buffer.
func (b TupleBuffer) NumRows() int {
	if b.Record == nil {
		return 0
	}
	return int(b.Record.NumRows())
}

// Retain increments the reference counts of the buffer contents.
func (b TupleBuffer) Retain() {
	if b.Data.Valid() {
		b.Data.Retain()
	}
	if b.Record != nil {
		b.Record.Retain()
	}
}

// Release decrements the reference counts of the buffer contents.
func (b TupleBuffer) Release() {
	if b.Data.Valid() {
		b.Data.Release()
	}
	if b.Record != nil {
		b.Record.Release()
	}
}
