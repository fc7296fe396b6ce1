package sources

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-kit/log/level"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

// fileSource reads the object at the `path` config value from the bucket.
// With an `ingestion_rate` config value, it emits at most that many buffers
// per second.
type fileSource struct {
	desc     pipeline.SourceDescriptor
	env      Env
	path     string
	interval time.Duration

	r    io.ReadCloser
	next time.Time
}

func newFile(desc pipeline.SourceDescriptor, env Env) (Source, error) {
	if env.Bucket == nil {
		return nil, fmt.Errorf("%w: file source %s without bucket", errors.ErrPrecondition, desc.Name)
	}
	path := pipeline.ConfigString(desc.Config, "path", "")
	if path == "" {
		return nil, fmt.Errorf("%w: file source %s without path", errors.ErrPlanShape, desc.Name)
	}

	s := &fileSource{desc: desc, env: env, path: path}
	if v, ok := desc.Config["ingestion_rate"]; ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 {
			return nil, fmt.Errorf("%w: file source %s: invalid ingestion rate %q", errors.ErrPlanShape, desc.Name, v)
		}
		if rate > 0 {
			s.interval = time.Duration(float64(time.Second) / rate)
		}
	}
	return s, nil
}

func (s *fileSource) Open(ctx context.Context) error {
	r, err := s.env.Bucket.Get(ctx, s.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.path, err)
	}
	s.r = r
	level.Debug(s.env.logger()).Log("msg", "opened file source", "source", s.desc.Name, "path", s.path, "interval", s.interval)
	return nil
}

func (s *fileSource) Read(ctx context.Context, pool *memory.Pool) (buffer.TupleBuffer, error) {
	if s.r == nil {
		return buffer.TupleBuffer{}, fmt.Errorf("%w: file source %s is not open", errors.ErrPrecondition, s.desc.Name)
	}
	if err := s.pace(ctx); err != nil {
		return buffer.TupleBuffer{}, err
	}

	size, err := chunkSize(s.desc, s.env, pool)
	if err != nil {
		return buffer.TupleBuffer{}, err
	}
	buf, err := pool.NewBuffer()
	if err != nil {
		return buffer.TupleBuffer{}, err
	}
	n, err := io.ReadFull(s.r, buf.Capacity()[:size])
	switch {
	case n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF):
		buf.Release()
		return buffer.TupleBuffer{}, io.EOF
	case err != nil && err != io.EOF && err != io.ErrUnexpectedEOF:
		buf.Release()
		return buffer.TupleBuffer{}, fmt.Errorf("reading %s: %w", s.path, err)
	}
	return buffer.TupleBuffer{Data: buf.WithLen(n)}, nil
}

// pace blocks until the next buffer may be emitted.
func (s *fileSource) pace(ctx context.Context) error {
	if s.interval == 0 {
		return nil
	}
	clock := s.env.clock()
	now := clock.Now()
	if s.next.IsZero() || !now.Before(s.next) {
		s.next = now.Add(s.interval)
		return nil
	}

	t := clock.NewTimer(s.next.Sub(now), "source", "pace")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	s.next = s.next.Add(s.interval)
	return nil
}

func (s *fileSource) Close() error {
	if s.r == nil {
		return nil
	}
	err := s.r.Close()
	s.r = nil
	return err
}
