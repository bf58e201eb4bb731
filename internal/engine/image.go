package engine

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Metadata describes a decoded image, echoed back in result documents.
type Metadata struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	SizeBytes int    `json:"size_bytes"`
}

// Load decodes an uploaded payload. All formats the upload validator
// admits must be registered here, stdlib and x/image alike.
func Load(data []byte) (image.Image, *Metadata, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	b := img.Bounds()
	return img, &Metadata{
		Width:     b.Dx(),
		Height:    b.Dy(),
		Format:    format,
		SizeBytes: len(data),
	}, nil
}

// Crop extracts the region b from img, clamped to the image bounds. An
// empty intersection yields a 1x1 image rather than an error; recognition
// on it returns nothing useful, which is the right outcome for a
// degenerate detection.
func Crop(img image.Image, b BBox) image.Image {
	bounds := img.Bounds()
	r := image.Rect(b.X1, b.Y1, b.X2, b.Y2).Intersect(bounds)
	if r.Empty() {
		r = image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+1, bounds.Min.Y+1)
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// EncodePNG renders img as PNG bytes for transport to a model server.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURL wraps image bytes in a data URL for a chat content part.
func DataURL(data []byte, format string) string {
	return fmt.Sprintf("data:image/%s;base64,%s", format, base64.StdEncoding.EncodeToString(data))
}
