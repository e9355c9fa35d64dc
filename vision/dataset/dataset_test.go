package dataset

import (
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestGaussianDatasetDeterministic(t *testing.T) {
	cfg := GaussianConfig{Size: 10, NumClasses: 3, Channels: 1, ImgSize: 4, Seed: 5}
	a, err := NewGaussianDataset(cfg)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	b, _ := NewGaussianDataset(cfg)
	if a.Len() != 10 || a.NumClasses() != 3 {
		t.Fatalf("Expected 10 samples of 3 classes, got %d / %d", a.Len(), a.NumClasses())
	}
	for i := 0; i < a.Len(); i++ {
		pa, la, _ := a.Sample(i)
		pb, lb, _ := b.Sample(i)
		if la != lb || la != i%3 {
			t.Errorf("Sample %d: expected label %d, got %d and %d", i, i%3, la, lb)
		}
		for j := range pa {
			if pa[j] != pb[j] {
				t.Fatalf("Sample %d differs at %d", i, j)
			}
			if pa[j] < -1 || pa[j] > 1 {
				t.Fatalf("Sample %d value %f outside [-1, 1]", i, pa[j])
			}
		}
	}
	if _, _, err := a.Sample(10); err == nil {
		t.Error("Expected out of range error")
	}
}

func TestGaussianDatasetSharedMeans(t *testing.T) {
	train, _ := NewGaussianDataset(GaussianConfig{Size: 200, NumClasses: 2, Channels: 1, ImgSize: 4, Seed: 1, Noise: 0.05})
	eval, _ := NewGaussianDataset(GaussianConfig{Size: 200, NumClasses: 2, Channels: 1, ImgSize: 4, Seed: 2, Noise: 0.05})
	a, _, _ := train.Sample(0)
	b, _, _ := eval.Sample(0)
	var diff float64
	for j := range a {
		d := float64(a[j] - b[j])
		diff += d * d
	}
	if diff > 0.5 {
		t.Errorf("Expected same-class samples across splits to be close, squared distance %f", diff)
	}
}

func TestRandomSubset(t *testing.T) {
	src, _ := NewGaussianDataset(GaussianConfig{Size: 20, NumClasses: 2, Channels: 1, ImgSize: 2, Seed: 1})
	sub, err := RandomSubset(src, 0.25, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("Failed to subset: %v", err)
	}
	if sub.Len() != 5 {
		t.Errorf("Expected 5 samples, got %d", sub.Len())
	}
	same, _ := RandomSubset(src, 1, rand.New(rand.NewSource(3)))
	if same != Source(src) {
		t.Error("Expected fraction 1 to return the original source")
	}
	if _, err := RandomSubset(src, 0, rand.New(rand.NewSource(3))); err == nil {
		t.Error("Expected error for fraction 0")
	}
	if _, err := NewSubsetDataset(src, []int{25}); err == nil {
		t.Error("Expected error for out of range index")
	}
}

func writeImage(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestImageFolderDataset(t *testing.T) {
	root := t.TempDir()
	for _, class := range []string{"bird", "ant"} {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		writeImage(t, filepath.Join(dir, "a.png"))
		writeImage(t, filepath.Join(dir, "b.png"))
	}
	if err := os.WriteFile(filepath.Join(root, "ant", "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	ds, err := NewImageFolderDataset(root, nil)
	if err != nil {
		t.Fatalf("Failed to load dataset: %v", err)
	}
	if ds.Len() != 4 {
		t.Errorf("Expected 4 images, got %d", ds.Len())
	}
	if ds.NumClasses() != 2 || ds.ClassNames()[0] != "ant" {
		t.Errorf("Expected classes [ant bird], got %v", ds.ClassNames())
	}
	_, label, err := ds.GetItem(3)
	if err != nil || label != 1 {
		t.Errorf("Expected label 1 for last item, got %d (%v)", label, err)
	}
	if counts := ds.ClassCounts(); counts[1] != 2 {
		t.Errorf("Expected 2 bird images, got %d", counts[1])
	}
	if _, err := os.Stat(filepath.Join(ds.Root(), "bird")); err != nil {
		t.Errorf("Expected Root to return the listed directory: %v", err)
	}
	if _, err := NewImageFolderDataset(t.TempDir(), nil); err == nil {
		t.Error("Expected error for empty folder")
	}
}
