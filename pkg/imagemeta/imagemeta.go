// Package imagemeta inspects encoded images: embedded EXIF tags, container
// format and the channel layout of the decoded pixels.
package imagemeta

import (
	"bytes"
	"image"
	"image/color"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// ColorSpaceSRGB is the EXIF ColorSpace value for sRGB
const ColorSpaceSRGB = "1"

// tagCollector implements exif.Walker
type tagCollector map[string]string

func (c tagCollector) Walk(name exif.FieldName, tag *tiff.Tag) error {
	if tag == nil {
		return nil
	}
	if s, err := tag.StringVal(); err == nil {
		c[string(name)] = strings.TrimRight(s, "\x00 ")
		return nil
	}
	c[string(name)] = strings.Trim(tag.String(), `"`)
	return nil
}

// ExtractTags returns the EXIF tags embedded in data keyed by tag name.
// Images without EXIF (PNG, stripped JPEG) and unreadable EXIF blocks yield
// an empty map.
func ExtractTags(data []byte) map[string]string {
	tags := make(tagCollector)

	x, err := exif.Decode(bytes.NewReader(data))
	if x == nil || (err != nil && exif.IsCriticalError(err)) {
		return tags
	}
	_ = x.Walk(tags)
	return tags
}

// Channels returns the number of channels of the decoded pixel model.
// Opaque RGB models count 3, grayscale 1, and models carrying alpha or a
// fourth ink (NRGBA, CMYK, NYCbCrA) count 4.
func Channels(img image.Image) int {
	switch m := img.(type) {
	case *image.Paletted:
		for _, c := range m.Palette {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return 4
			}
		}
		return 3
	case *image.NYCbCrA:
		return 4
	}

	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return 1
	case color.NRGBAModel, color.NRGBA64Model, color.CMYKModel, color.AlphaModel, color.Alpha16Model:
		return 4
	default:
		return 3
	}
}

// ContentType maps a decoder format name to its MIME type
func ContentType(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// Extension maps a decoder format name to a file extension
func Extension(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "":
		return ""
	default:
		return "." + format
	}
}
