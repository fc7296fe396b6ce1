package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
	"github.com/twpayne/go-geom/xy"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

type argCheck func(arrow.DataType) bool

type function struct {
	args   []argCheck
	result arrow.DataType
	eval   func(alloc memory.Allocator, args []arrow.Array, rows int) (arrow.Array, error)
}

var functions = map[string]function{
	// edwithin(lon, lat, timestamp, geometry, distance) reports whether the
	// point is within distance of the static geometry.
	"edwithin": {
		args:   []argCheck{types.IsNumeric, types.IsNumeric, types.IsNumeric, isBytes, types.IsNumeric},
		result: types.Bool,
		eval: func(alloc memory.Allocator, args []arrow.Array, rows int) (arrow.Array, error) {
			return evalPointPredicate(alloc, args, rows, func(d float64, i int) bool {
				return d <= vector{args[4]}.Float(i)
			})
		},
	},

	// eintersects(lon, lat, timestamp, geometry) reports whether the point
	// intersects the static geometry.
	"eintersects": {
		args:   []argCheck{types.IsNumeric, types.IsNumeric, types.IsNumeric, isBytes},
		result: types.Bool,
		eval: func(alloc memory.Allocator, args []arrow.Array, rows int) (arrow.Array, error) {
			return evalPointPredicate(alloc, args, rows, func(d float64, _ int) bool { return d == 0 })
		},
	},
}

func normalizeName(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// evalPointPredicate computes the distance between the point given by the
// first three arguments and the geometry in the fourth argument, and passes
// it to match. Rows with null arguments or an unparsable geometry produce
// null. Points outside the WGS84 coordinate range never match.
func evalPointPredicate(alloc memory.Allocator, args []arrow.Array, rows int, match func(d float64, row int) bool) (arrow.Array, error) {
	builder := array.NewBooleanBuilder(alloc)
	defer builder.Release()

	geoms := make(map[string]geom.T)
	for i := range rows {
		if anyNull(args, i) {
			builder.AppendNull()
			continue
		}

		lon, lat := vector{args[0]}.Float(i), vector{args[1]}.Float(i)
		if !ValidCoordinate(lon, lat) {
			builder.Append(false)
			continue
		}

		text := string(vector{args[3]}.Bytes(i))
		g, ok := geoms[text]
		if !ok {
			parsed, err := ParseGeometry(text)
			if err != nil {
				parsed = nil
			}
			geoms[text] = parsed
			g = parsed
		}
		if g == nil {
			builder.AppendNull()
			continue
		}

		d, err := distance(g, geom.Coord{lon, lat})
		if err != nil {
			builder.AppendNull()
			continue
		}
		builder.Append(match(d, i))
	}
	return builder.NewArray(), nil
}

func anyNull(args []arrow.Array, i int) bool {
	for _, arr := range args {
		if arr.IsNull(i) {
			return true
		}
	}
	return false
}

// ValidCoordinate reports whether lon and lat lie within the WGS84 range.
func ValidCoordinate(lon, lat float64) bool {
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

// ParseGeometry parses a WKT geometry. Surrounding quotes and an EWKT SRID
// prefix such as "SRID=4326;" are ignored.
func ParseGeometry(text string) (geom.T, error) {
	text = strings.Trim(strings.TrimSpace(text), `'"`)
	if strings.HasPrefix(strings.ToUpper(text), "SRID=") {
		if idx := strings.IndexByte(text, ';'); idx >= 0 {
			text = text[idx+1:]
		}
	}
	if text == "" {
		return nil, fmt.Errorf("empty geometry")
	}
	return wkt.Unmarshal(text)
}

func distance(g geom.T, c geom.Coord) (float64, error) {
	switch g := g.(type) {
	case *geom.Point:
		return xy.Distance(c, g.Coords()), nil

	case *geom.LineString:
		return xy.DistanceFromPointToLineString(g.Layout(), c, g.FlatCoords()), nil

	case *geom.Polygon:
		return polygonDistance(g, c), nil

	case *geom.MultiPoint:
		best := math.Inf(1)
		for i := range g.NumPoints() {
			best = math.Min(best, xy.Distance(c, g.Point(i).Coords()))
		}
		return best, nil

	case *geom.MultiLineString:
		best := math.Inf(1)
		for i := range g.NumLineStrings() {
			ls := g.LineString(i)
			best = math.Min(best, xy.DistanceFromPointToLineString(ls.Layout(), c, ls.FlatCoords()))
		}
		return best, nil

	case *geom.MultiPolygon:
		best := math.Inf(1)
		for i := range g.NumPolygons() {
			best = math.Min(best, polygonDistance(g.Polygon(i), c))
		}
		return best, nil
	}
	return 0, fmt.Errorf("unsupported geometry %T", g)
}

func polygonDistance(p *geom.Polygon, c geom.Coord) float64 {
	if p.NumLinearRings() == 0 {
		return math.Inf(1)
	}

	inside := xy.IsPointInRing(p.Layout(), c, p.LinearRing(0).FlatCoords())
	for i := 1; inside && i < p.NumLinearRings(); i++ {
		if xy.IsPointInRing(p.Layout(), c, p.LinearRing(i).FlatCoords()) {
			inside = false
		}
	}
	if inside {
		return 0
	}

	best := math.Inf(1)
	for i := range p.NumLinearRings() {
		best = math.Min(best, xy.DistanceFromPointToLineString(p.Layout(), c, p.LinearRing(i).FlatCoords()))
	}
	return best
}
