package executor

import (
	"math"
	"sync"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
)

// noTimestamp marks buffers without event times.
const noTimestamp = math.MinInt64

// watermarkProcessor tracks event-time progress per input. Buffers may be
// reported out of sequence order; the watermark of an input only advances
// over the contiguous prefix of sequence numbers seen so far. The watermark
// of the processor is the minimum over all inputs.
//
// Inputs are keyed by producer and origin: a pipeline reached over two paths
// receives every buffer of an origin twice, once per producer.
type watermarkProcessor struct {
	mu     sync.Mutex
	inputs map[buffer.Input]*inputProgress
}

type inputProgress struct {
	next      uint64 // next expected sequence number
	pending   map[uint64]pendingBuffer
	watermark int64
	done      bool
}

type pendingBuffer struct {
	maxTs int64
	last  bool
}

func newWatermarkProcessor(inputs []buffer.Input) *watermarkProcessor {
	p := &watermarkProcessor{inputs: make(map[buffer.Input]*inputProgress, len(inputs))}
	for _, in := range inputs {
		p.input(in)
	}
	return p
}

func (p *watermarkProcessor) input(in buffer.Input) *inputProgress {
	op, ok := p.inputs[in]
	if !ok {
		op = &inputProgress{next: 1, pending: make(map[uint64]pendingBuffer), watermark: noTimestamp}
		p.inputs[in] = op
	}
	return op
}

// Update records that the buffer seq of in has been processed and returns
// the new watermark. maxTs is the largest event time in the buffer, or
// noTimestamp. Once the last buffer of every input has been processed the
// watermark is math.MaxInt64.
func (p *watermarkProcessor) Update(in buffer.Input, seq uint64, maxTs int64, last bool) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	op := p.input(in)
	op.pending[seq] = pendingBuffer{maxTs: maxTs, last: last}
	for {
		b, ok := op.pending[op.next]
		if !ok {
			break
		}
		delete(op.pending, op.next)
		op.next++
		op.watermark = max(op.watermark, b.maxTs)
		if b.last {
			op.done = true
		}
	}
	return p.current()
}

// Current returns the watermark.
func (p *watermarkProcessor) Current() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current()
}

func (p *watermarkProcessor) current() int64 {
	if len(p.inputs) == 0 {
		return noTimestamp
	}
	wm := int64(math.MaxInt64)
	for _, op := range p.inputs {
		if op.done {
			continue
		}
		wm = min(wm, op.watermark)
	}
	return wm
}
