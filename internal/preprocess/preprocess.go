// Package preprocess turns uploaded image bytes into the classifier's input tensor.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
	"gorgonia.org/tensor"

	"github.com/example/lesion-check/internal/lesion"
)

// Layout is the memory order of the produced tensor.
type Layout int

const (
	// NHWC is [batch, height, width, channel], the Keras default.
	NHWC Layout = iota
	// NCHW is [batch, channel, height, width], common for PyTorch exports.
	NCHW
)

const channels = 3

// ParseLayout maps a configuration value to a Layout.
func ParseLayout(value string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "nhwc":
		return NHWC, nil
	case "nchw":
		return NCHW, nil
	default:
		return NHWC, fmt.Errorf("unknown tensor layout %q", value)
	}
}

func (l Layout) String() string {
	if l == NCHW {
		return "nchw"
	}
	return "nhwc"
}

// Preprocessor decodes, resizes and normalizes images. It holds no mutable state
// and is safe for concurrent use.
type Preprocessor struct {
	size   int
	layout Layout
}

// NewPreprocessor returns a Preprocessor producing lesion.ImageSize square tensors.
func NewPreprocessor(layout Layout) *Preprocessor {
	return &Preprocessor{size: lesion.ImageSize, layout: layout}
}

// Shape is the tensor shape produced by Preprocess.
func (p *Preprocessor) Shape() []int {
	if p.layout == NCHW {
		return []int{1, channels, p.size, p.size}
	}
	return []int{1, p.size, p.size, channels}
}

// Preprocess decodes data and returns a single-image batch with values in [0,1].
// The image is resized directly to the target square; aspect ratio is not kept.
func (p *Preprocessor) Preprocess(data []byte) (*tensor.Dense, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return p.FromImage(img)
}

// FromImage runs the resize and normalize steps on an already decoded image.
func (p *Preprocessor) FromImage(img image.Image) (*tensor.Dense, error) {
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", lesion.ErrPreprocess, bounds.Dx(), bounds.Dy())
	}

	// Resize returns a plain copy when the image already has the target size.
	resized := imaging.Resize(img, p.size, p.size, imaging.CatmullRom)
	if resized.Bounds().Dx() != p.size || resized.Bounds().Dy() != p.size {
		return nil, fmt.Errorf("%w: resize produced %dx%d", lesion.ErrPreprocess, resized.Bounds().Dx(), resized.Bounds().Dy())
	}

	return tensor.New(tensor.WithShape(p.Shape()...), tensor.WithBacking(p.normalize(resized))), nil
}

// normalize drops alpha and scales each RGB channel from [0,255] to [0,1].
func (p *Preprocessor) normalize(img *image.NRGBA) []float32 {
	plane := p.size * p.size
	out := make([]float32, channels*plane)
	for y := 0; y < p.size; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+p.size*4]
		for x := 0; x < p.size; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < channels; c++ {
				v := float32(px[c]) / 255
				if p.layout == NCHW {
					out[c*plane+y*p.size+x] = v
				} else {
					out[(y*p.size+x)*channels+c] = v
				}
			}
		}
	}
	return out
}

// Decode reads any registered format (JPEG, PNG, GIF, BMP, TIFF, WebP).
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", lesion.ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lesion.ErrDecode, err)
	}
	return img, nil
}
