package sensitivity

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/trajectory"
)

type Option func(*Engine)

// WithWorkers bounds the goroutines used for tangent directions. 1 runs
// every direction on the calling goroutine.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithLinear(kind linalg.Kind) Option {
	return func(e *Engine) { e.linKind = kind }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Engine runs tangent and adjoint sweeps. It holds no per-sweep state and
// may be shared.
type Engine struct {
	workers int
	linKind linalg.Kind
	log     *slog.Logger
}

func New(opts ...Option) *Engine {
	e := &Engine{
		workers: dynamo.DefaultWorkers,
		linKind: linalg.Auto,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Workers() int { return e.workers }

// Stats counts the work of one sweep.
type Stats struct {
	Steps          int
	Factorizations int
	Reused         int
}

// checkTrajectory validates tr and returns the shared control dimension.
func checkTrajectory(tr *trajectory.Trajectory) (int, error) {
	if tr == nil || !tr.Complete() || len(tr.Segments()) == 0 {
		return 0, dynamo.ErrIncompleteTrajectory
	}
	segs := tr.Segments()
	if len(tr.Jumps()) != len(segs)-1 {
		return 0, fmt.Errorf("%w: %d segments with %d jumps", dynamo.ErrIncompleteTrajectory, len(segs), len(tr.Jumps()))
	}
	m := segs[0].Problem.ControlDim()
	for i, s := range segs {
		if s.Problem.ControlDim() != m || len(s.U) != m {
			return 0, fmt.Errorf("%w: segment %d has %d controls, want %d",
				dynamo.ErrDimensionMismatch, i, len(s.U), m)
		}
	}
	return m, nil
}
