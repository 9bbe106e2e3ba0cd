// Package dataset catalogs the labelled hot-dog image set on disk. The
// expected layout is {data_dir}/{train,test}/{hot_dog,not_hot_dog}/ with one
// image file per sample; the test split is what benchmark runs draw from.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Category is a ground-truth label.
type Category string

const (
	CategoryHotDog    Category = "hot_dog"
	CategoryNotHotDog Category = "not_hot_dog"
)

// Split is a dataset partition.
type Split string

const (
	SplitTrain Split = "train"
	SplitTest  Split = "test"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

// Image is one labelled sample.
type Image struct {
	Split    Split    `json:"split"`
	Category Category `json:"category"`
	Filename string   `json:"filename"`
	Path     string   `json:"path"`
}

// Status describes what is on disk.
type Status struct {
	Downloaded bool                      `json:"downloaded"`
	Path       string                    `json:"path"`
	Counts     map[Split]map[Category]int `json:"counts"`
	Total      int                       `json:"total"`
}

// Manager reads the image catalog from a data directory.
type Manager struct {
	log     logrus.FieldLogger
	dataDir string
}

// NewManager creates a dataset manager rooted at dataDir.
func NewManager(log logrus.FieldLogger, dataDir string) *Manager {
	return &Manager{
		log:     log.WithField("component", "dataset"),
		dataDir: dataDir,
	}
}

// Status counts images per split and category. A dataset counts as
// downloaded when the test split has at least one image in each category.
func (m *Manager) Status() Status {
	st := Status{
		Path:   m.dataDir,
		Counts: map[Split]map[Category]int{},
	}

	for _, split := range []Split{SplitTrain, SplitTest} {
		st.Counts[split] = map[Category]int{}

		for _, cat := range []Category{CategoryHotDog, CategoryNotHotDog} {
			n := len(m.listCategory(split, cat))
			st.Counts[split][cat] = n
			st.Total += n
		}
	}

	st.Downloaded = st.Counts[SplitTest][CategoryHotDog] > 0 &&
		st.Counts[SplitTest][CategoryNotHotDog] > 0

	return st
}

// ListImages returns up to sampleSize test-split images, half per category,
// interleaved hot dog / not hot dog. Selection is deterministic: files are
// taken in sorted filename order. sampleSize <= 0 means everything.
func (m *Manager) ListImages(sampleSize int) []Image {
	hot := m.listCategory(SplitTest, CategoryHotDog)
	not := m.listCategory(SplitTest, CategoryNotHotDog)

	if sampleSize > 0 {
		perCat := (sampleSize + 1) / 2
		if len(hot) > perCat {
			hot = hot[:perCat]
		}

		// Backfill from the other category when one side is short.
		if remaining := sampleSize - len(hot); len(not) > remaining {
			not = not[:remaining]
		}
	}

	out := make([]Image, 0, len(hot)+len(not))

	for i := 0; i < len(hot) || i < len(not); i++ {
		if i < len(hot) {
			out = append(out, hot[i])
		}

		if i < len(not) {
			out = append(out, not[i])
		}
	}

	return out
}

// ImagePath resolves an image file within the data directory, rejecting
// unknown splits/categories and any path that escapes the dataset root.
func (m *Manager) ImagePath(split Split, category Category, filename string) (string, error) {
	if split != SplitTrain && split != SplitTest {
		return "", fmt.Errorf("unknown split %q", split)
	}

	if category != CategoryHotDog && category != CategoryNotHotDog {
		return "", fmt.Errorf("unknown category %q", category)
	}

	if filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return "", fmt.Errorf("invalid filename %q", filename)
	}

	if !imageExtensions[strings.ToLower(filepath.Ext(filename))] {
		return "", fmt.Errorf("unsupported image extension %q", filepath.Ext(filename))
	}

	path := filepath.Join(m.dataDir, string(split), string(category), filename)

	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("image not found: %w", err)
	}

	return path, nil
}

// listCategory returns the images of one split/category in sorted filename
// order. Missing directories yield an empty slice.
func (m *Manager) listCategory(split Split, category Category) []Image {
	dir := filepath.Join(m.dataDir, string(split), string(category))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	out := make([]Image, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}

		out = append(out, Image{
			Split:    split,
			Category: category,
			Filename: e.Name(),
			Path:     filepath.Join(dir, e.Name()),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })

	return out
}
