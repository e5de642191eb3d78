package detect

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrInvalidReading = errors.New("detect: invalid reading")

var _ Source = (*Sampler)(nil)

type SamplerOption func(*Sampler)

func WithGasVote(v *GasVote) SamplerOption { return func(s *Sampler) { s.vote = v } }

func WithVisionSmoother(v *VisionSmoother) SamplerOption {
	return func(s *Sampler) { s.smooth = v }
}

func WithLogger(l *zap.Logger) SamplerOption { return func(s *Sampler) { s.log = l } }

// Sampler polls the local detectors and keeps the filtered result. Either
// detector may be nil when the node lacks it. A failed read leaves the
// previous values in place.
type Sampler struct {
	gas    GasSensor
	vision VisionDetector
	log    *zap.Logger

	mu     sync.Mutex
	vote   *GasVote
	smooth *VisionSmoother
	snap   Snapshot
}

func NewSampler(gas GasSensor, vision VisionDetector, opts ...SamplerOption) *Sampler {
	s := &Sampler{
		gas:    gas,
		vision: vision,
		log:    zap.NewNop(),
		vote:   NewGasVote(DefaultSmokeThresholdPPM, DefaultGasWindow, DefaultGasVotes),
		smooth: NewVisionSmoother(DefaultVisionThreshold, DefaultVisionWindow),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("detect")
	return s
}

func (s *Sampler) HasGas() bool    { return s.gas != nil }
func (s *Sampler) HasVision() bool { return s.vision != nil }

// PollGas reads the gas sensor once.
func (s *Sampler) PollGas(now time.Time) error {
	if s.gas == nil {
		return nil
	}
	ppm, err := s.gas.PPM()
	if err == nil && (ppm < 0 || math.IsNaN(ppm)) {
		err = fmt.Errorf("%w: %v ppm", ErrInvalidReading, ppm)
	}
	if err != nil {
		s.log.Warn("gas sensor read failed", zap.Error(err))
		return fmt.Errorf("read gas sensor: %w", err)
	}

	s.mu.Lock()
	detected := s.vote.Observe(ppm)
	s.snap.SensorDetected = detected
	s.snap.SmokePPM = ppm
	s.snap.SensorAt = now
	s.mu.Unlock()

	s.log.Debug("gas reading", zap.Float64("ppm", ppm), zap.Bool("detected", detected))
	return nil
}

// PollVision runs the vision detector once.
func (s *Sampler) PollVision(now time.Time) error {
	if s.vision == nil {
		return nil
	}
	conf, err := s.vision.Confidence()
	if err == nil && (conf < 0 || conf > 1 || math.IsNaN(conf)) {
		err = fmt.Errorf("%w: confidence %v", ErrInvalidReading, conf)
	}
	if err != nil {
		s.log.Warn("vision detector failed", zap.Error(err))
		return fmt.Errorf("run vision detector: %w", err)
	}

	s.mu.Lock()
	smoothed, detected := s.smooth.Observe(conf)
	s.snap.VisionDetected = detected
	s.snap.VisionConfidence = smoothed
	s.snap.VisionAt = now
	s.mu.Unlock()

	s.log.Debug("vision reading",
		zap.Float64("confidence", conf),
		zap.Float64("smoothed", smoothed),
		zap.Bool("detected", detected),
	)
	return nil
}

func (s *Sampler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
