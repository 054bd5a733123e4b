package nn

import "github.com/pkg/errors"

// Phase gates which layers run.
type Phase int

const (
	Training Phase = iota
	Testing
	TrainingTesting
)

var phaseNames = [...]string{"Training", "Testing", "TrainingTesting"}

// ParsePhase parses a phase name.
func ParsePhase(name string) (Phase, error) {
	for i, n := range phaseNames {
		if n == name {
			return Phase(i), nil
		}
	}
	return 0, errors.Errorf("unknown phase %q", name)
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Phase(?)"
	}
	return phaseNames[p]
}

// Runs reports whether a layer tagged with p runs when the net is in phase net.
func (p Phase) Runs(net Phase) bool {
	return p == TrainingTesting || p == net
}
