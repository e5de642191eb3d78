package detect

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// Reading adapts a plain function to both GasSensor and VisionDetector.
type Reading func() (float64, error)

func (r Reading) PPM() (float64, error)        { return r() }
func (r Reading) Confidence() (float64, error) { return r() }

func Constant(v float64) Reading {
	return func() (float64, error) { return v, nil }
}

// FileReading parses a single number from path on every call. A missing
// file reads as zero, so a bench rig can raise a detection by writing the
// file and clear it by removing it.
func FileReading(path string) Reading {
	return func() (float64, error) {
		b, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", path, err)
		}
		return v, nil
	}
}
