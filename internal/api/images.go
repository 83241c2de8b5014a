package api

import (
	"net/http"
	"os"
	"strings"
)

type imageWire struct {
	Name      string   `json:"name"`
	Filename  string   `json:"filename"`
	TotalSize int64    `json:"totalSize"`
	Files     []string `json:"files"`
	Timestamp string   `json:"timestamp"`
	ImageSize int64    `json:"imagesize"`
	Checksum  string   `json:"checksum,omitempty"`
}

type imagesManifestResponse struct {
	Images []imageWire `json:"images"`
}

// handleImagesManifest lists every image bundle found under the images
// root.
func (s *Server) handleImagesManifest(w http.ResponseWriter, r *http.Request) {
	manifest, err := s.images.Manifest()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read image manifest")
		return
	}
	out := make([]imageWire, 0, len(manifest))
	for _, img := range manifest {
		out = append(out, imageWire{
			Name:      img.Name,
			Filename:  img.Filename,
			TotalSize: img.TotalSize,
			Files:     img.Files,
			Timestamp: img.Timestamp.Format(rfc3339),
			ImageSize: img.ImageSize,
			Checksum:  img.Checksum,
		})
	}
	WriteJSON(w, http.StatusOK, imagesManifestResponse{Images: out})
}

const imagesDownloadPrefix = "/api/v1/linbo/images/download/"

// handleImagesDownload serves a single image file, honoring Range
// requests and rejecting any path-escape attempt with 404.
func (s *Server) handleImagesDownload(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, imagesDownloadPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeNotFound(w, "image not found")
		return
	}
	segment, filename := parts[0], parts[1]

	path, ok := s.images.ResolvePath(segment, filename)
	if !ok {
		writeNotFound(w, "image not found")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeNotFound(w, "image not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeNotFound(w, "image not found")
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, filename, info.ModTime(), f)
}
