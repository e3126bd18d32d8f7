package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: batch counters always add up to the number of recorded items
func TestBatchResultCountersProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	statuses := []ItemStatus{ItemSuccess, ItemSkipped, ItemFailed}

	properties.Property("succeeded+skipped+failed == total", prop.ForAll(
		func(items []int) bool {
			r := NewBatchResult("prop")
			for _, i := range items {
				r.Record(BatchItem{Status: statuses[i]})
			}
			return r.Succeeded+r.Skipped+r.Failed == r.Total && r.Total == len(items)
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
