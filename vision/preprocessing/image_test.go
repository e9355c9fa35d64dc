package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return &buf
}

func TestDecodeAndPreprocessRange(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if x < 8 {
				src.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				src.Set(x, y, color.RGBA{0, 0, 0, 255})
			}
		}
	}

	processor := NewImageProcessor(8, 3)
	out, err := processor.DecodeAndPreprocess(encodePNG(t, src))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(out.Data) != 3*8*8 {
		t.Fatalf("Expected %d values, got %d", 3*8*8, len(out.Data))
	}
	if out.Data[0] != 1 {
		t.Errorf("Expected white pixel to map to 1, got %f", out.Data[0])
	}
	if out.Data[7] != -1 {
		t.Errorf("Expected black pixel to map to -1, got %f", out.Data[7])
	}
}

func TestDecodeGrayscale(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = 255
	}
	out, err := NewImageProcessor(4, 1).DecodeAndPreprocess(encodePNG(t, src))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(out.Data) != 16 || out.Channels != 1 {
		t.Fatalf("Expected 16 single-channel values, got %d (%d channels)", len(out.Data), out.Channels)
	}
	for i, v := range out.Data {
		if v != 1 {
			t.Fatalf("Expected 1 at %d, got %f", i, v)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := NewImageProcessor(4, 3).DecodeAndPreprocess(bytes.NewReader([]byte("not an image"))); err == nil {
		t.Error("Expected decode error")
	}
}

func TestFlipHorizontal(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	FlipHorizontal(data, 1, 2, 3)
	expected := []float32{3, 2, 1, 6, 5, 4}
	for i := range data {
		if data[i] != expected[i] {
			t.Fatalf("Expected %v, got %v", expected, data)
		}
	}
}

func TestToImageRoundTrip(t *testing.T) {
	data := []float32{-1, 1, 0, 1}
	img, err := ToImage(data, 1, 2, 2)
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}
	gray := img.(*image.Gray)
	if gray.Pix[0] != 0 || gray.Pix[1] != 255 {
		t.Errorf("Expected 0 and 255, got %d and %d", gray.Pix[0], gray.Pix[1])
	}
	if _, err := ToImage(data, 3, 2, 2); err == nil {
		t.Error("Expected size mismatch error")
	}
}

func TestSaveGrid(t *testing.T) {
	images := [][]float32{
		{1, 1, 1, 1},
		{-1, -1, -1, -1},
		{0, 0, 0, 0},
	}
	path := filepath.Join(t.TempDir(), "figures", "grid.png")
	if err := SaveGrid(path, images, 2, 2, 1, 2, 2); err != nil {
		t.Fatalf("Failed to save grid: %v", err)
	}
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Expected grid file: %v", err)
	}
	defer file.Close()
	img, err := png.Decode(file)
	if err != nil {
		t.Fatalf("Failed to decode grid: %v", err)
	}
	expectedW := 2*2 + 3*GridPadding
	if img.Bounds().Dx() != expectedW || img.Bounds().Dy() != expectedW {
		t.Errorf("Expected %dx%d grid, got %v", expectedW, expectedW, img.Bounds())
	}
	r, _, _, _ := img.At(GridPadding, GridPadding).RGBA()
	if r != 0xffff {
		t.Errorf("Expected first cell white, got %d", r)
	}

	if err := SaveGrid(path, images, 1, 2, 1, 2, 2); err == nil {
		t.Error("Expected error when images exceed grid")
	}
}
