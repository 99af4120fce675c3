// Package validator checks uploaded images and their declared clinical
// metadata against the canonical dataset contract.
package validator

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/imagemeta"
	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/tree"
)

// Canonical image geometry
const (
	DefaultTargetWidth  = 896
	DefaultTargetHeight = 896
	RequiredChannels    = 3
)

// AllowedSex enumerates accepted values of the sex field
var AllowedSex = []string{"male", "female", "other", "unknown"}

var requiredStringFields = []string{"category", "sex", "ageRange", "location"}

var bboxFields = []string{"x", "y", "width", "height"}

// Result is the outcome of a validation. Valid is false whenever Errors is non-empty.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
	Metadata model.ClinicalMetadata
	Format   string
	Width    int
	Height   int
	Channels int
}

func (r *Result) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) addWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator checks images against a fixed target geometry
type Validator struct {
	width  int
	height int
	logger *zap.Logger
}

// New creates a Validator for the given target size. Non-positive sizes fall
// back to the canonical 896x896.
func New(width, height int, logger *zap.Logger) *Validator {
	if width <= 0 {
		width = DefaultTargetWidth
	}
	if height <= 0 {
		height = DefaultTargetHeight
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{width: width, height: height, logger: logger}
}

// Validate checks the encoded image and the declared metadata. It never
// panics; a corrupt image yields exactly one error.
func (v *Validator) Validate(data []byte, declared tree.Node) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("Recovered from panic during validation",
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = Result{Errors: []string{"Failed to decode image: unreadable image data"}}
		}
	}()

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("Failed to decode image: %v", err)}}
	}

	bounds := img.Bounds()
	result.Format = format
	result.Width = bounds.Dx()
	result.Height = bounds.Dy()
	result.Channels = imagemeta.Channels(img)

	if result.Width != v.width || result.Height != v.height {
		result.addError("Invalid dimensions: %dx%d. Expected: %dx%d",
			result.Width, result.Height, v.width, v.height)
	}
	if result.Channels != RequiredChannels {
		result.addError("Invalid channel count: %d. Expected: %d (RGB)",
			result.Channels, RequiredChannels)
	}

	tags := imagemeta.ExtractTags(data)
	if cs, ok := tags["ColorSpace"]; ok && cs != imagemeta.ColorSpaceSRGB {
		result.addWarning("Color space is not sRGB (EXIF ColorSpace=%s)", cs)
	}

	result.Metadata = v.validateMetadata(declared, &result)
	result.Valid = len(result.Errors) == 0

	v.logger.Debug("Validated image",
		zap.String("format", result.Format),
		zap.Int("width", result.Width),
		zap.Int("height", result.Height),
		zap.Int("channels", result.Channels),
		zap.Int("errors", len(result.Errors)),
		zap.Int("warnings", len(result.Warnings)))

	return result
}

// validateMetadata checks the declared clinical fields and returns the typed view
func (v *Validator) validateMetadata(declared tree.Node, result *Result) model.ClinicalMetadata {
	var meta model.ClinicalMetadata

	if declared.Kind() != tree.KindObject {
		result.addError("Metadata must be a JSON object")
		return meta
	}

	values := make(map[string]string, len(requiredStringFields))
	for _, field := range requiredStringFields {
		node, ok := declared.Get(field)
		if !ok || node.Kind() == tree.KindNull {
			result.addError("Missing required field: %s", field)
			continue
		}
		s, ok := node.Str()
		if !ok {
			result.addError("Field %s must be a string", field)
			continue
		}
		if strings.TrimSpace(s) == "" {
			result.addError("Missing required field: %s", field)
			continue
		}
		values[field] = s
	}

	meta.Category = values["category"]
	meta.AgeRange = values["ageRange"]
	meta.Location = values["location"]
	if sex, ok := values["sex"]; ok {
		if !isAllowedSex(sex) {
			result.addError("Invalid sex: %s. Expected one of: %s", sex, strings.Join(AllowedSex, ", "))
		} else {
			meta.Sex = sex
		}
	}

	if bbox, ok := v.validateBoundingBox(declared, result); ok {
		meta.BoundingBox = bbox
		if result.Width > 0 && result.Height > 0 &&
			(bbox.X+bbox.Width > float64(result.Width) || bbox.Y+bbox.Height > float64(result.Height)) {
			result.addWarning("Bounding box extends beyond image bounds (%dx%d)", result.Width, result.Height)
		}
	}

	if node, ok := declared.Get("confidence"); !ok || node.Kind() == tree.KindNull {
		result.addError("Missing required field: confidence")
	} else if c, ok := node.Float(); !ok {
		result.addError("Field confidence must be a number")
	} else if c < 0 || c > 1 {
		result.addError("Invalid confidence: %s. Expected a value between 0 and 1", node.Text())
	} else {
		meta.Confidence = c
	}

	meta.Classifications = v.classifications(declared, result)
	return meta
}

func (v *Validator) validateBoundingBox(declared tree.Node, result *Result) (model.BoundingBox, bool) {
	node, ok := declared.Get("bbox")
	if !ok || node.Kind() == tree.KindNull {
		result.addError("Missing required field: bbox")
		return model.BoundingBox{}, false
	}
	if node.Kind() != tree.KindObject {
		result.addError("Field bbox must be an object with x, y, width and height")
		return model.BoundingBox{}, false
	}

	vals := make(map[string]float64, len(bboxFields))
	valid := true
	for _, name := range bboxFields {
		n, ok := node.Get(name)
		if !ok {
			result.addError("Missing required field: bbox.%s", name)
			valid = false
			continue
		}
		f, ok := n.Float()
		if !ok {
			result.addError("Field bbox.%s must be a number", name)
			valid = false
			continue
		}
		if f < 0 {
			result.addError("Field bbox.%s must be non-negative", name)
			valid = false
			continue
		}
		if (name == "width" || name == "height") && f == 0 {
			result.addError("Field bbox.%s must be greater than 0", name)
			valid = false
			continue
		}
		vals[name] = f
	}
	if !valid {
		return model.BoundingBox{}, false
	}

	return model.BoundingBox{
		X:      vals["x"],
		Y:      vals["y"],
		Width:  vals["width"],
		Height: vals["height"],
	}, true
}

// classifications collects the optional classification-system codes.
// Malformed entries are dropped with a warning.
func (v *Validator) classifications(declared tree.Node, result *Result) map[string]string {
	node, ok := declared.Get("classifications")
	if !ok || node.Kind() == tree.KindNull {
		return nil
	}
	if node.Kind() != tree.KindObject {
		result.addWarning("Field classifications must be an object; ignored")
		return nil
	}

	out := make(map[string]string, node.Len())
	for _, f := range node.Fields() {
		code, ok := f.Value.Str()
		if !ok {
			result.addWarning("Classification %s must be a string; ignored", f.Key)
			continue
		}
		out[f.Key] = code
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isAllowedSex(s string) bool {
	for _, allowed := range AllowedSex {
		if s == allowed {
			return true
		}
	}
	return false
}
