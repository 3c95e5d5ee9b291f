package phaseloop

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// faultLogRates bounds how often faults of a given category are logged.
// A hot failing callback can fault on every tick; the observer hook still
// sees every fault, but the log does not.
var faultLogRates = map[time.Duration]int{
	time.Second: 10,
	time.Minute: 60,
}

// faultReporter fans a fault out to the observer hook (always, exactly once)
// and to the structured log (rate limited per category).
type faultReporter struct {
	observer FaultObserver
	logger   *logiface.Logger[logiface.Event]
	limiter  *catrate.Limiter
	metrics  *metricsState
}

func newFaultReporter(observer FaultObserver, logger *logiface.Logger[logiface.Event], metrics *metricsState) *faultReporter {
	return &faultReporter{
		observer: observer,
		logger:   logger,
		limiter:  catrate.NewLimiter(faultLogRates),
		metrics:  metrics,
	}
}

// report delivers a fault. Observer panics are deliberately not recovered:
// the observer is infrastructure, not user callback code.
func (r *faultReporter) report(f Fault) {
	if r.metrics != nil {
		r.metrics.recordFault(f)
	}
	if r.logger != nil {
		if _, ok := r.limiter.Allow(f.FaultCategory()); ok {
			level := logiface.LevelError
			if f.Fatal() {
				level = logiface.LevelCritical
			}
			r.logger.Build(level).
				Err(f).
				Str("category", f.FaultCategory()).
				Bool("fatal", f.Fatal()).
				Log("phaseloop: fault")
		}
	}
	if r.observer != nil {
		r.observer(f)
	}
}
