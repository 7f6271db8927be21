package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if matchLabels(m.GetLabel(), labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, pair := range pairs {
		if v, ok := want[pair.GetName()]; ok {
			if v != pair.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

func TestLendingOperationCounter(t *testing.T) {
	labels := map[string]string{"operation": "deposit", "outcome": "success"}
	before := counterValue(t, "lendpool_lending_operations_total", labels)
	Lending().ObserveOperation(" deposit ", "success", 3*time.Millisecond)
	Lending().ObserveOperation("deposit", "success", time.Millisecond)
	if got := counterValue(t, "lendpool_lending_operations_total", labels); got != before+2 {
		t.Fatalf("expected counter to advance by 2, got %v -> %v", before, got)
	}
}

func TestThrottleCounterDefaultsLabels(t *testing.T) {
	labels := map[string]string{"module": "unknown", "reason": "unspecified"}
	before := counterValue(t, "lendpool_api_throttles_total", labels)
	ModuleMetrics().RecordThrottle("", "")
	if got := counterValue(t, "lendpool_api_throttles_total", labels); got != before+1 {
		t.Fatalf("expected throttle counter to advance, got %v -> %v", before, got)
	}
}
