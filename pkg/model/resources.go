package model

import (
	"fmt"

	"github.com/unifytwin/plugin-manager/internal/config"
	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
)

// Normalize fills the budget's defaulting rules: a missing limit inherits
// the request, a missing request becomes zero.
func (r *ResourceBudget) Normalize() {
	if r.MemRequest != 0 && r.MemLimit == 0 {
		r.MemLimit = r.MemRequest
	}
	if r.CPURequest != 0 && r.CPULimit == 0 {
		r.CPULimit = r.CPURequest
	}
}

// Validate checks the budget against the configured ranges and the
// request<=limit rule. It does not mutate; call Normalize first.
func (r ResourceBudget) Validate(ranges config.ResourceRanges) error {
	checks := []struct {
		name     string
		val      float64
		min, max float64
	}{
		{"cpu_request", r.CPURequest, ranges.CPURequestMin, ranges.CPURequestMax},
		{"cpu_limit", r.CPULimit, ranges.CPULimitMin, ranges.CPULimitMax},
		{"memory_request", r.MemRequest, ranges.MemRequestMin, ranges.MemRequestMax},
		{"memory_limit", r.MemLimit, ranges.MemLimitMin, ranges.MemLimitMax},
	}
	for _, c := range checks {
		if c.val < c.min || c.val > c.max {
			return apperrors.Ef(apperrors.KindBadRequest,
				"%s %g outside allowed range [%g, %g]", c.name, c.val, c.min, c.max)
		}
	}
	if r.Replicas < ranges.ReplicasMin || r.Replicas > ranges.ReplicasMax {
		return apperrors.Ef(apperrors.KindBadRequest,
			"replicas %d outside allowed range [%d, %d]", r.Replicas, ranges.ReplicasMin, ranges.ReplicasMax)
	}
	if r.MemRequest != 0 && r.MemLimit != 0 && r.MemRequest > r.MemLimit {
		return apperrors.Ef(apperrors.KindBadRequest, "memory request should be less than limit")
	}
	if r.CPURequest != 0 && r.CPULimit != 0 && r.CPURequest > r.CPULimit {
		return apperrors.Ef(apperrors.KindBadRequest, "cpu request should be less than limit")
	}
	return nil
}

// CPUQuantity renders a core count as a Kubernetes quantity string.
func CPUQuantity(cores float64) string {
	if cores == 0 {
		return "0"
	}
	return fmt.Sprintf("%dm", int64(cores*1000))
}

// MemQuantity renders a GiB count as a Kubernetes Mi quantity string.
func MemQuantity(gib float64) string {
	if gib == 0 {
		return "0"
	}
	return fmt.Sprintf("%dMi", int64(gib*1024))
}
