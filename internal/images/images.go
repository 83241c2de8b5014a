// Package images derives the LINBO image manifest from a directory of
// image bundles on disk and validates download paths against path
// escape.
package images

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	segmentPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	filenamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_.]+$`)
)

// Image describes one manifest entry.
type Image struct {
	Name      string
	Filename  string
	TotalSize int64
	Files     []string
	Timestamp time.Time
	ImageSize int64
	Checksum  string
}

// Store scans Root for image bundles on demand; it holds no cached state
// because the manifest is cheap to rebuild and must always reflect the
// current filesystem.
type Store struct {
	Root string
}

// New creates a Store rooted at root.
func New(root string) *Store {
	return &Store{Root: root}
}

// Manifest lists every image bundle under Root: a subdirectory is treated
// as one image named after itself, with Files populated from every
// regular file inside it (sorted), a checksum taken from a "<name>.sha256"
// sidecar if present, and TotalSize/Timestamp derived from file stats.
func (s *Store) Manifest() ([]Image, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}

	var images []Image
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !segmentPattern.MatchString(e.Name()) {
			continue
		}
		img, ok := s.describe(e.Name())
		if ok {
			images = append(images, img)
		}
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	return images, nil
}

func (s *Store) describe(name string) (Image, bool) {
	dir := filepath.Join(s.Root, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Image{}, false
	}

	var files []string
	var totalSize int64
	var latest time.Time
	var mainFile string
	var checksum string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, e.Name())
		totalSize += info.Size()
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		switch {
		case strings.HasSuffix(e.Name(), ".sha256"):
			if b, err := os.ReadFile(filepath.Join(dir, e.Name())); err == nil {
				if fields := strings.Fields(string(b)); len(fields) > 0 {
					checksum = fields[0]
				}
			}
		case strings.HasSuffix(e.Name(), ".qcow2"), strings.HasSuffix(e.Name(), ".cloop"):
			mainFile = e.Name()
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return Image{}, false
	}
	if mainFile == "" {
		mainFile = files[0]
	}

	imageSize := totalSize
	if mainFile != "" {
		if info, err := os.Stat(filepath.Join(dir, mainFile)); err == nil {
			imageSize = info.Size()
		}
	}

	return Image{
		Name:      name,
		Filename:  mainFile,
		TotalSize: totalSize,
		Files:     files,
		Timestamp: latest.UTC(),
		ImageSize: imageSize,
		Checksum:  checksum,
	}, true
}

// ResolvePath validates segment/filename and returns the real, resolved
// path if it lies within Root.
func (s *Store) ResolvePath(segment, filename string) (string, bool) {
	if !segmentPattern.MatchString(segment) {
		return "", false
	}
	if !filenamePattern.MatchString(filename) {
		return "", false
	}

	root, err := filepath.EvalSymlinks(s.Root)
	if err != nil {
		return "", false
	}
	candidate := filepath.Join(root, segment, filename)
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}
