package logger

import (
	"sort"
	"sync"
	"sync/atomic"
)

type componentCounter struct {
	warns  int64
	errors int64
}

var counters sync.Map // map[string]*componentCounter

// ComponentCounts is a point-in-time view of the warnings and errors logged
// by one component.
type ComponentCounts struct {
	Component string `json:"component"`
	Warns     int64  `json:"warns"`
	Errors    int64  `json:"errors"`
}

func counterFor(component string) *componentCounter {
	v, _ := counters.LoadOrStore(component, &componentCounter{})
	return v.(*componentCounter)
}

func recordWarn(component string) {
	atomic.AddInt64(&counterFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&counterFor(component).errors, 1)
}

// Counters returns warn/error totals per component sorted by component name.
func Counters() []ComponentCounts {
	out := make([]ComponentCounts, 0)
	counters.Range(func(key, value any) bool {
		c := value.(*componentCounter)
		out = append(out, ComponentCounts{
			Component: key.(string),
			Warns:     atomic.LoadInt64(&c.warns),
			Errors:    atomic.LoadInt64(&c.errors),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
