package wrapper

import (
	"runtime/debug"
	"time"

	ferrors "github.com/wudi/filterkit/internal/errors"
	"go.uber.org/zap"
)

// TickPeriodMs is the host tick requested when any task is registered.
const TickPeriodMs uint32 = 100

type tickTask struct {
	period  int64
	lastRun int64
	fn      func()
}

// TickScheduler runs periodic tasks off the host's tick. One scheduler
// belongs to one root context; tasks can only be added while that root is
// parsing its configuration.
type TickScheduler struct {
	tasks  []*tickTask
	open   bool
	logger *zap.Logger
}

func newTickScheduler(logger *zap.Logger) *TickScheduler {
	return &TickScheduler{logger: logger}
}

// Register adds fn to run every periodMs milliseconds of host time.
func (s *TickScheduler) Register(periodMs int64, fn func()) error {
	if !s.open {
		return ferrors.New(ferrors.KindConfig, "tick functions can only be registered while parsing configuration")
	}
	if periodMs <= 0 {
		return ferrors.New(ferrors.KindConfig, "tick period must be positive, got %d", periodMs)
	}
	if fn == nil {
		return ferrors.New(ferrors.KindConfig, "tick function is nil")
	}
	s.tasks = append(s.tasks, &tickTask{period: periodMs, fn: fn})
	return nil
}

// Len returns the number of registered tasks.
func (s *TickScheduler) Len() int {
	return len(s.tasks)
}

// Run invokes every due task once, in registration order. The clock is read
// again before each task, so a slow task delays the ones after it.
func (s *TickScheduler) Run(now func() time.Time) {
	for _, t := range s.tasks {
		ms := now().UnixMilli()
		if ms-t.lastRun < t.period {
			continue
		}
		t.lastRun = ms
		s.runTask(t)
	}
}

func (s *TickScheduler) runTask(t *tickTask) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick function panicked",
				zap.Any("panic", r),
				zap.Int64("period_ms", t.period),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	t.fn()
}
