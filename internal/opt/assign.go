package opt

import (
	"fmt"
	"math"
	"slices"
	"time"

	"reliefdispatch/internal/model"
)

// Mode selects how the per-area truck scan treats a truck that is too slow.
type Mode string

const (
	// ModeGreedy fails an area on the first too-slow truck encountered in store order.
	ModeGreedy Mode = "greedy"
	// ModeExhaustive keeps scanning and fails an area only after every truck was tried.
	ModeExhaustive Mode = "exhaustive"
)

// ParseMode maps a user-supplied mode to a Mode. Empty selects ModeGreedy.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeGreedy:
		return ModeGreedy, nil
	case ModeExhaustive:
		return ModeExhaustive, nil
	}
	return "", fmt.Errorf("invalid mode: %s (allowed: greedy, exhaustive)", s)
}

type Options struct {
	Mode Mode
}

// Result is the output of one assignment run.
type Result struct {
	Outcomes []model.Outcome
	// Trucks is the full post-run inventory in input order.
	Trucks []model.Truck
	// Updated lists the IDs of trucks whose inventory changed, in first-assignment order.
	Updated []string
	Metrics Metrics
}

// UpdatedTrucks returns only the trucks that were assigned at least once.
func (r Result) UpdatedTrucks() []model.Truck {
	if len(r.Updated) == 0 {
		return nil
	}
	idx := make(map[string]int, len(r.Trucks))
	for i, t := range r.Trucks {
		idx[t.TruckID] = i
	}
	out := make([]model.Truck, 0, len(r.Updated))
	for _, id := range r.Updated {
		out = append(out, r.Trucks[idx[id]])
	}
	return out
}

func TimeConstraintMessage(areaID string) string {
	return "No available truck due to time constraint for Area ID: " + areaID
}

func InsufficientResourcesMessage(areaID string) string {
	return "No available truck or insufficient resources for Area ID: " + areaID
}

// Assign allocates trucks to areas in one deterministic pass.
//
// Areas are served by descending urgency (stable on input order). Trucks are scanned in input
// order and a truck serves an area only when it covers every required resource and its travel
// time is within the area's time constraint. Assigned quantities are subtracted from the truck so
// later areas in the same run see the reduced inventory. The inputs are not modified.
func Assign(areas []model.Area, trucks []model.Truck, opts Options) Result {
	start := time.Now()
	mode := opts.Mode
	if mode == "" {
		mode = ModeGreedy
	}

	ordered := slices.Clone(areas)
	slices.SortStableFunc(ordered, func(a, b model.Area) int {
		return b.UrgencyLevel - a.UrgencyLevel
	})

	fleet := make([]model.Truck, len(trucks))
	for i, t := range trucks {
		fleet[i] = t.Clone()
	}

	res := Result{Outcomes: make([]model.Outcome, 0, len(ordered)), Trucks: fleet}
	res.Metrics.Mode = string(mode)
	res.Metrics.Areas = len(ordered)
	res.Metrics.Trucks = len(fleet)
	touched := map[string]bool{}

	for _, area := range ordered {
		out, ti, cmp := matchArea(area, fleet, mode)
		res.Metrics.Comparisons += cmp
		if ti >= 0 {
			truck := &fleet[ti]
			for rt, q := range area.RequiredResources {
				truck.AvailableResources[rt] -= q
			}
			if !touched[truck.TruckID] {
				touched[truck.TruckID] = true
				res.Updated = append(res.Updated, truck.TruckID)
			}
			res.Metrics.Delivered++
		} else if out.Reason == model.ReasonTimeConstraint {
			res.Metrics.UnfulfilledTime++
		} else {
			res.Metrics.UnfulfilledResources++
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	res.Metrics.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	return res
}

// matchArea returns the outcome for one area and the index of the serving truck, or -1.
func matchArea(area model.Area, fleet []model.Truck, mode Mode) (model.Outcome, int, int) {
	comparisons := 0
	anyInTime := false
	for i := range fleet {
		comparisons++
		truck := &fleet[i]
		tt := travelTime(*truck, area.AreaID)
		inTime := tt <= area.TimeConstraint
		if inTime {
			anyInTime = true
		}
		if inTime && canDeliver(*truck, area.RequiredResources) {
			return delivered(area, truck.TruckID), i, comparisons
		}
		if !inTime && mode == ModeGreedy {
			return unfulfilled(area.AreaID, model.ReasonTimeConstraint), -1, comparisons
		}
	}
	if mode == ModeExhaustive && len(fleet) > 0 && !anyInTime {
		return unfulfilled(area.AreaID, model.ReasonTimeConstraint), -1, comparisons
	}
	return unfulfilled(area.AreaID, model.ReasonInsufficientResources), -1, comparisons
}

// canDeliver reports whether every required type is present on the truck in sufficient quantity.
func canDeliver(t model.Truck, required map[string]float64) bool {
	for rt, q := range required {
		have, ok := t.AvailableResources[rt]
		if !ok || have < q {
			return false
		}
	}
	return true
}

// travelTime is +Inf when the truck has no recorded time to the area.
func travelTime(t model.Truck, areaID string) float64 {
	if v, ok := t.TravelTimeToArea[areaID]; ok {
		return v
	}
	return math.Inf(1)
}

func delivered(area model.Area, truckID string) model.Outcome {
	res := make(map[string]float64, len(area.RequiredResources))
	for k, v := range area.RequiredResources {
		res[k] = v
	}
	return model.Outcome{
		AreaID:             area.AreaID,
		Status:             model.StatusDelivered,
		TruckID:            truckID,
		ResourcesDelivered: res,
	}
}

func unfulfilled(areaID string, reason model.Reason) model.Outcome {
	msg := InsufficientResourcesMessage(areaID)
	if reason == model.ReasonTimeConstraint {
		msg = TimeConstraintMessage(areaID)
	}
	return model.Outcome{AreaID: areaID, Status: model.StatusUnfulfilled, Reason: reason, Error: msg}
}
