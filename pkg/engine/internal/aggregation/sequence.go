package aggregation

import (
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/aggregation/pagedstore"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/expr"
)

// Point is one observation of a moving object.
type Point struct {
	Lon, Lat  float64
	Timestamp int64
}

// Encoder serializes a sequence of points into a single binary value.
type Encoder interface {
	Encode(n int, points iter.Seq[Point]) ([]byte, error)
}

// WGS84 is the SRID of longitude/latitude coordinates.
const WGS84 = 4326

// Timestamps above this value are taken to be milliseconds.
const millisecondThreshold = 1_000_000_000_000

// NormalizeTimestamp converts a timestamp in seconds or milliseconds since
// the epoch to seconds.
func NormalizeTimestamp(ts int64) int64 {
	if ts > millisecondThreshold {
		return ts / 1000
	}
	return ts
}

// LineStringEncoder encodes points as a LineString M whose M ordinate holds
// the timestamp in seconds.
type LineStringEncoder struct {
	// SRID is written into EWKB output. It is ignored by WKB output.
	SRID int

	// EWKB selects extended WKB output; plain WKB otherwise.
	EWKB bool
}

var _ Encoder = LineStringEncoder{}

func (e LineStringEncoder) Encode(n int, points iter.Seq[Point]) ([]byte, error) {
	flat := make([]float64, 0, 3*n)
	for p := range points {
		if !expr.ValidCoordinate(p.Lon, p.Lat) {
			return nil, fmt.Errorf("coordinate (%v %v) out of range", p.Lon, p.Lat)
		}
		flat = append(flat, p.Lon, p.Lat, float64(NormalizeTimestamp(p.Timestamp)))
	}

	ls := geom.NewLineStringFlat(geom.XYM, flat)
	if !e.EWKB {
		return wkb.Marshal(ls, binary.LittleEndian)
	}
	if e.SRID != 0 {
		ls.SetSRID(e.SRID)
	}
	return ewkb.Marshal(ls, binary.LittleEndian)
}

// temporalSequence collects (lon, lat, timestamp) observations and lowers
// them to one encoded trajectory. The output depends on input order, so the
// function requires sequential aggregation.
type temporalSequence struct {
	stored
	encoder Encoder
}

func (f *temporalSequence) RequiresSequentialAggregation() bool { return true }

// Lower encodes all points in insertion order with a single Encode call.
// An empty state lowers to null without calling the encoder. Encoding errors
// also lower to null.
func (f *temporalSequence) Lower(ctx *EvalContext, state State, out array.Builder) error {
	b, ok := out.(*array.BinaryBuilder)
	if !ok {
		return builderMismatch(f, out)
	}

	n := pagedstore.Len(state)
	if n == 0 {
		b.AppendNull()
		return nil
	}
	s, err := f.store(ctx)
	if err != nil {
		return err
	}

	points := func(yield func(Point) bool) {
		s.Iterate(state, func(r pagedstore.Record) bool {
			return yield(Point{Lon: r.Float64(0), Lat: r.Float64(1), Timestamp: r.Int64(2)})
		})
	}

	blob, err := f.encoder.Encode(int(n), points)
	if err != nil {
		ctx.encodeFailed()
		b.AppendNull()
		return nil
	}
	b.Append(blob)
	return nil
}

var temporalSequenceLayout = pagedstore.NewLayout(pagedstore.Float64, pagedstore.Float64, pagedstore.Int64)

func newTemporalSequence(name string, inputs []expr.Expression, encoder Encoder) *temporalSequence {
	return &temporalSequence{
		stored: stored{
			base: base{
				kind:   KindTemporalSequence,
				name:   name,
				inputs: inputs,
				result: arrow.BinaryTypes.Binary,
			},
			layout: temporalSequenceLayout,
		},
		encoder: encoder,
	}
}
