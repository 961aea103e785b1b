package hlsprep

import "math"

// A Striper splits a raster into full-width strips of rows so that the masking
// and reordering stages never hold more than TargetPixelCount pixels of one
// band in memory.
type Striper struct {
	targetPixelCount int
	blockHeight      int
}

type StripOption func(s *Striper) error

// TargetPixelCount sets the approximate number of pixels per strip.
func TargetPixelCount(count int) StripOption {
	return func(s *Striper) error {
		if count <= 0 {
			return ErrInvalidOption{"target pixel count must be >=1"}
		}
		s.targetPixelCount = count
		return nil
	}
}

// BlockHeight aligns strip heights on a multiple of height, which should match
// the internal tiling of the written GeoTIFFs.
func BlockHeight(height int) StripOption {
	return func(s *Striper) error {
		if height <= 0 {
			return ErrInvalidOption{"block height must be >=1"}
		}
		s.blockHeight = height
		return nil
	}
}

func NewStriper(options ...StripOption) (Striper, error) {
	s := Striper{
		targetPixelCount: 4096 * 4096,
		blockHeight:      256,
	}
	for _, o := range options {
		if err := o(&s); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Strips returns the windows covering a width*height raster, top to bottom.
// A trailing strip shorter than the block height is merged into its
// predecessor.
func (s Striper) Strips(width, height int) []Window {
	if width <= 0 || height <= 0 {
		return nil
	}
	numStrips := (width * height) / s.targetPixelCount
	if numStrips == 0 {
		numStrips = 1
	}
	stripHeight := height / numStrips
	if stripHeight <= s.blockHeight {
		stripHeight = s.blockHeight
	}
	if stripHeight%s.blockHeight != 0 {
		stripHeight = (stripHeight/s.blockHeight + 1) * s.blockHeight
	}
	numStrips = int(math.Ceil(float64(height) / float64(stripHeight)))

	var wins []Window
	row := 0
	for i := 0; i < numStrips; i++ {
		thisHeight := stripHeight
		if row+stripHeight > height {
			thisHeight = height - row
		}
		if i > 0 && thisHeight < s.blockHeight {
			wins[len(wins)-1].Height += thisHeight
		} else {
			wins = append(wins, Window{X: 0, Y: row, Width: width, Height: thisHeight})
		}
		row += stripHeight
	}
	return wins
}
