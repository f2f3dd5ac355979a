package stage

import (
	"context"
	"sort"
)

// Health summarizes the readiness of a processing stage.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// CheckAll runs every handler's health check, sorted by name, and reports
// whether all of them are ready.
func CheckAll(ctx context.Context, handlers map[string]Handler) ([]Health, bool) {
	out := make([]Health, 0, len(handlers))
	ready := true
	for name, h := range handlers {
		health := h.HealthCheck(ctx)
		if health.Name == "" {
			health.Name = name
		}
		ready = ready && health.Ready
		out = append(out, health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, ready
}
