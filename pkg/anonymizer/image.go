package anonymizer

import (
	"bytes"
	"fmt"
	"image"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/imagemeta"
)

// Fixed strength of the strict-level blur and sharpen pass
const (
	strictBlurSigma    = 0.5
	strictSharpenSigma = 0.5
)

var filenameTimestamp = regexp.MustCompile(
	`[_\-\s.]?(?:\d{10,14}|\d{4}[-_.]?\d{2}[-_.]?\d{2}(?:[T_\-\s]?\d{2}[-_.:]?\d{2}(?:[-_.:]?\d{2})?)?)`)

// anonymizeImage decodes and re-encodes the image, which drops every
// embedded metadata block. Orientation is applied to the pixels first.
func (a *Anonymizer) anonymizeImage(data []byte, level Level) (out []byte, format string, ops []Operation) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Recovered from panic while anonymizing image",
				zap.Any("panic", r),
				zap.Stack("stack"))
			out, format = nil, ""
			ops = []Operation{{Target: "image", Action: ActionImageDropped, Detail: "image processing failed"}}
		}
	}()

	_, srcFormat, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", []Operation{{Target: "image", Action: ActionImageDropped,
			Detail: fmt.Sprintf("undecodable image: %v", err)}}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", []Operation{{Target: "image", Action: ActionImageDropped,
			Detail: fmt.Sprintf("undecodable image: %v", err)}}
	}

	ops = append(ops, Operation{Target: "image", Action: ActionMetadataStripped,
		Detail: "EXIF, IPTC, XMP, ICC profile, orientation and density removed"})

	format = srcFormat
	if level == LevelStrict {
		img = imaging.Sharpen(imaging.Blur(img, strictBlurSigma), strictSharpenSigma)
		ops = append(ops, Operation{Target: "image", Action: ActionBlurSharpen,
			Detail: fmt.Sprintf("gaussian blur sigma=%.1f, sharpen sigma=%.1f", strictBlurSigma, strictSharpenSigma)})
		format = "jpeg"
	}

	var encFormat imaging.Format
	switch format {
	case "png":
		encFormat = imaging.PNG
	case "jpeg":
		encFormat = imaging.JPEG
	default:
		encFormat = imaging.JPEG
		format = "jpeg"
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, encFormat, imaging.JPEGQuality(a.jpegQuality)); err != nil {
		return nil, "", []Operation{{Target: "image", Action: ActionImageDropped,
			Detail: fmt.Sprintf("re-encode failed: %v", err)}}
	}

	if format != srcFormat {
		ops = append(ops, Operation{Target: "image", Action: ActionReencoded,
			Detail: fmt.Sprintf("%s -> %s", srcFormat, format)})
	}

	return buf.Bytes(), format, ops
}

// anonymizeFilename removes embedded timestamps, or at strict level replaces
// the name with a token derived from the content
func (a *Anonymizer) anonymizeFilename(name string, content []byte, format string, level Level) (string, *Operation) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	if level == LevelStrict {
		if format != "" {
			ext = imagemeta.Extension(format)
		}
		source := content
		if source == nil {
			source = []byte(name)
		}
		token := "img_" + digest.SHA256.FromBytes(source).Encoded()[:16] + strings.ToLower(ext)
		return token, &Operation{Target: "filename", Action: ActionFilenameToken}
	}

	cleaned := strings.Trim(filenameTimestamp.ReplaceAllString(stem, ""), "_- .")
	if cleaned == "" {
		cleaned = "image"
	}
	if cleaned == stem {
		return base, nil
	}
	return cleaned + ext, &Operation{Target: "filename", Action: ActionTimestampRemoved}
}
