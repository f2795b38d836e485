package agent

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
)

const (
	// maxImageBytes bounds the source file read from disk.
	maxImageBytes = 10 * 1024 * 1024
	// maxImageSide is the longest edge sent to vision models.
	maxImageSide = 1568
	jpegQuality  = 85
)

// loadImages reads local image attachments, downscales them to maxImageSide
// and re-encodes them as JPEG. Unreadable or unsupported files are skipped.
func loadImages(paths []string) []providers.ImageContent {
	var images []providers.ImageContent
	for _, p := range paths {
		if !isImagePath(p) {
			continue
		}
		st, err := os.Stat(p)
		if err != nil {
			slog.Warn("vision: failed to stat image", "path", p, "error", err)
			continue
		}
		if st.Size() > maxImageBytes {
			slog.Warn("vision: image too large, skipping", "path", p, "size", st.Size())
			continue
		}

		img, err := imaging.Open(p, imaging.AutoOrientation(true))
		if err != nil {
			slog.Warn("vision: failed to decode image", "path", p, "error", err)
			continue
		}
		b := img.Bounds()
		if b.Dx() > maxImageSide || b.Dy() > maxImageSide {
			img = imaging.Fit(img, maxImageSide, maxImageSide, imaging.Lanczos)
		}

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
			slog.Warn("vision: failed to encode image", "path", p, "error", err)
			continue
		}
		images = append(images, providers.ImageContent{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		})
	}
	return images
}

func isImagePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff":
		return true
	}
	return false
}
