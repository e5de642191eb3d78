package detect

const (
	DefaultSmokeThresholdPPM = 200
	DefaultGasWindow         = 5
	DefaultGasVotes          = 3

	DefaultVisionThreshold = 0.75
	DefaultVisionWindow    = 10
)

// GasVote debounces a noisy gas sensor: a detection needs Need of the last
// Window readings above Threshold.
type GasVote struct {
	Threshold float64
	Window    int
	Need      int

	history []bool
}

func NewGasVote(threshold float64, window, need int) *GasVote {
	if window <= 0 {
		window = DefaultGasWindow
	}
	need = min(max(need, 1), window)
	return &GasVote{Threshold: threshold, Window: window, Need: need}
}

// Observe records one reading and returns the filtered decision.
func (v *GasVote) Observe(ppm float64) bool {
	v.history = append(v.history, ppm > v.Threshold)
	if len(v.history) > v.Window {
		v.history = v.history[len(v.history)-v.Window:]
	}
	positive := 0
	for _, hit := range v.history {
		if hit {
			positive++
		}
	}
	return positive >= v.Need
}

func (v *GasVote) Reset() { v.history = v.history[:0] }

// VisionSmoother averages the last Window confidences and detects when the
// mean exceeds Threshold.
type VisionSmoother struct {
	Threshold float64
	Window    int

	history []float64
}

func NewVisionSmoother(threshold float64, window int) *VisionSmoother {
	if window <= 0 {
		window = DefaultVisionWindow
	}
	return &VisionSmoother{Threshold: threshold, Window: window}
}

func (s *VisionSmoother) Observe(confidence float64) (smoothed float64, detected bool) {
	s.history = append(s.history, confidence)
	if len(s.history) > s.Window {
		s.history = s.history[len(s.history)-s.Window:]
	}
	var sum float64
	for _, c := range s.history {
		sum += c
	}
	smoothed = sum / float64(len(s.history))
	return smoothed, smoothed > s.Threshold
}

func (s *VisionSmoother) Reset() { s.history = s.history[:0] }
