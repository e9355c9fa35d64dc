package dataset

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DefaultExtensions are the image suffixes listed when none are given.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// ImageFolderDataset lists the images of one split laid out as
// <root>/<class>/<file>. Class indices follow the lexical order of the class
// directories, so splits with the same class directories agree on labels.
// Hidden entries are skipped.
type ImageFolderDataset struct {
	root    string
	paths   []string
	labels  []int
	classes []string
}

// NewImageFolderDataset lists root. Extensions match case-insensitively.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	wanted := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		wanted[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list classes in %s", root)
	}
	ds := &ImageFolderDataset{root: root}
	for _, class := range entries {
		if !class.IsDir() || strings.HasPrefix(class.Name(), ".") {
			continue
		}
		label := len(ds.classes)
		ds.classes = append(ds.classes, class.Name())

		files, err := os.ReadDir(filepath.Join(root, class.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list class %s", class.Name())
		}
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") || !wanted[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			ds.paths = append(ds.paths, filepath.Join(root, class.Name(), f.Name()))
			ds.labels = append(ds.labels, label)
		}
	}
	if len(ds.paths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}
	return ds, nil
}

// Root returns the listed directory.
func (d *ImageFolderDataset) Root() string { return d.root }

func (d *ImageFolderDataset) Len() int { return len(d.paths) }

// GetItem returns the image path and label at index.
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.paths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.paths))
	}
	return d.paths[index], d.labels[index], nil
}

func (d *ImageFolderDataset) NumClasses() int { return len(d.classes) }

// ClassNames returns the class directory names in label order.
func (d *ImageFolderDataset) ClassNames() []string { return d.classes }

// ClassCounts returns the number of images per label.
func (d *ImageFolderDataset) ClassCounts() []int {
	counts := make([]int, len(d.classes))
	for _, l := range d.labels {
		counts[l]++
	}
	return counts
}
