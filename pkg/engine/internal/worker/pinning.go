package worker

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/compiler"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

// assignThreads returns the thread of every pinned pipeline of plan.
//
// Sequential pipelines are pinned together with all of their ancestors, so
// that the buffers of an origin reach them in sequence order through the
// FIFO queue of a single thread. Pipelines reachable from several pinned
// groups merge those groups. Every group is placed by the hash of its
// lowest pipeline id.
func assignThreads(plan *compiler.CompiledQueryPlan, workers int) map[*compiler.ExecutablePipeline]int {
	parent := make(map[*compiler.ExecutablePipeline]*compiler.ExecutablePipeline)

	var find func(ep *compiler.ExecutablePipeline) *compiler.ExecutablePipeline
	find = func(ep *compiler.ExecutablePipeline) *compiler.ExecutablePipeline {
		p, ok := parent[ep]
		if !ok {
			parent[ep] = ep
			return ep
		} else if p == ep {
			return ep
		}
		root := find(p)
		parent[ep] = root
		return root
	}
	union := func(a, b *compiler.ExecutablePipeline) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	graph := plan.Graph()
	for _, ep := range plan.Pipelines {
		if !ep.Sequential {
			continue
		}
		find(ep)
		for _, anc := range graph.Ancestors(ep) {
			union(ep, anc)
		}
	}

	lowest := make(map[*compiler.ExecutablePipeline]types.PipelineID)
	for ep := range parent {
		root := find(ep)
		if id, ok := lowest[root]; !ok || ep.ID < id {
			lowest[root] = ep.ID
		}
	}

	out := make(map[*compiler.ExecutablePipeline]int, len(parent))
	for ep := range parent {
		out[ep] = pinnedThread(lowest[find(ep)], workers)
	}
	return out
}

func pinnedThread(id types.PipelineID, workers int) int {
	if workers <= 1 {
		return 0
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return int(xxhash.Sum64(b[:]) % uint64(workers))
}
