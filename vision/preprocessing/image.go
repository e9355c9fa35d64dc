// Package preprocessing converts between image files and CHW float32 pixel
// rows in [-1, 1].
package preprocessing

import (
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// ImageProcessor decodes images into CHW float32 data with buffer reuse.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	targetSize      int
	channels        int
}

// NewImageProcessor creates a processor producing targetSize x targetSize
// images with 1 (grayscale) or 3 (RGB) channels.
func NewImageProcessor(targetSize, channels int) *ImageProcessor {
	return &ImageProcessor{targetSize: targetSize, channels: channels}
}

// ProcessedImage is a preprocessed image ready for network input.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a JPEG or PNG image, resizes it with nearest
// neighbour sampling and returns CHW data normalised to [-1, 1].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	targetImg := p.tempImageBuffer

	scaleX := float64(width) / float64(p.targetSize)
	scaleY := float64(height) / float64(p.targetSize)
	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			srcX := int(float64(x) * scaleX)
			srcY := int(float64(y) * scaleY)
			if srcX >= width {
				srcX = width - 1
			}
			if srcY >= height {
				srcY = height - 1
			}
			targetImg.Set(x, y, img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY))
		}
	}

	plane := p.targetSize * p.targetSize
	data := make([]float32, p.channels*plane)
	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			idx := y*p.targetSize + x
			if p.channels == 1 {
				g := color.GrayModel.Convert(targetImg.At(x, y)).(color.Gray)
				data[idx] = toUnit(uint32(g.Y) * 257)
				continue
			}
			r, g, b, _ := targetImg.At(x, y).RGBA()
			data[idx] = toUnit(r)
			data[plane+idx] = toUnit(g)
			data[2*plane+idx] = toUnit(b)
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: p.channels,
	}, nil
}

// DecodeFile opens and preprocesses one image file.
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to process %s", path)
	}
	return img, nil
}

// toUnit maps a 16-bit channel value to [-1, 1].
func toUnit(v uint32) float32 {
	return float32(v)/65535.0*2 - 1
}

// fromUnit maps [-1, 1] to an 8-bit channel value, clamping out-of-range input.
func fromUnit(v float32) uint8 {
	f := (v + 1) / 2 * 255
	if f != f || f < 0 {
		return 0
	}
	if f > 255 {
		return 255
	}
	return uint8(f + 0.5)
}

// FlipHorizontal mirrors a CHW image left to right in place.
func FlipHorizontal(data []float32, channels, height, width int) {
	for c := 0; c < channels; c++ {
		for y := 0; y < height; y++ {
			row := data[(c*height+y)*width : (c*height+y+1)*width]
			for i, j := 0, width-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
}

// ToImage converts one CHW row in [-1, 1] to an image.
func ToImage(data []float32, channels, height, width int) (image.Image, error) {
	if len(data) != channels*height*width {
		return nil, errors.Errorf("expected %d values for %dx%dx%d image, got %d",
			channels*height*width, channels, height, width, len(data))
	}
	plane := height * width
	switch channels {
	case 1:
		img := image.NewGray(image.Rect(0, 0, width, height))
		for i := 0; i < plane; i++ {
			img.Pix[i] = fromUnit(data[i])
		}
		return img, nil
	case 3:
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		for i := 0; i < plane; i++ {
			img.Pix[4*i] = fromUnit(data[i])
			img.Pix[4*i+1] = fromUnit(data[plane+i])
			img.Pix[4*i+2] = fromUnit(data[2*plane+i])
			img.Pix[4*i+3] = 255
		}
		return img, nil
	default:
		return nil, errors.Errorf("unsupported channel count %d", channels)
	}
}

// GridPadding is the border in pixels between grid cells.
const GridPadding = 2

// MakeGrid tiles rows*cols images (CHW rows in [-1, 1], row-major order) into
// one image. Missing cells stay black.
func MakeGrid(images [][]float32, rows, cols, channels, height, width int) (image.Image, error) {
	if len(images) > rows*cols {
		return nil, errors.Errorf("%d images do not fit a %dx%d grid", len(images), rows, cols)
	}
	gw := cols*width + (cols+1)*GridPadding
	gh := rows*height + (rows+1)*GridPadding
	grid := image.NewRGBA(image.Rect(0, 0, gw, gh))
	for i := range grid.Pix {
		if i%4 == 3 {
			grid.Pix[i] = 255
		}
	}
	for i, data := range images {
		img, err := ToImage(data, channels, height, width)
		if err != nil {
			return nil, errors.Wrapf(err, "grid cell %d", i)
		}
		ox := GridPadding + (i%cols)*(width+GridPadding)
		oy := GridPadding + (i/cols)*(height+GridPadding)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				grid.Set(ox+x, oy+y, img.At(x, y))
			}
		}
	}
	return grid, nil
}

// SaveGrid renders a grid and writes it as PNG, creating parent directories.
func SaveGrid(path string, images [][]float32, rows, cols, channels, height, width int) error {
	grid, err := MakeGrid(images, rows, cols, channels, height, width)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create figure directory")
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create figure")
	}
	if err := png.Encode(file, grid); err != nil {
		file.Close()
		return errors.Wrap(err, "failed to encode figure")
	}
	return file.Close()
}
