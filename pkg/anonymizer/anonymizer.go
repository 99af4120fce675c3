// Package anonymizer removes identifying information from uploaded images,
// their filenames and the structured metadata sent alongside them.
//
// Anonymize is total: it never returns an error and never panics. Parts that
// cannot be transformed are masked or dropped and the reason is recorded as
// an Operation.
package anonymizer

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/tree"
)

// Level selects how aggressively data is anonymized
type Level string

const (
	LevelBasic    Level = "basic"
	LevelModerate Level = "moderate"
	LevelStrict   Level = "strict"
)

// ParseLevel converts a configuration string into a Level
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelBasic:
		return LevelBasic, nil
	case LevelModerate:
		return LevelModerate, nil
	case LevelStrict:
		return LevelStrict, nil
	default:
		return "", fmt.Errorf("unknown anonymization level %q", s)
	}
}

// Operation actions
const (
	ActionMasked           = "masked"
	ActionRemoved          = "removed"
	ActionFallbackMasked   = "fallback_masked"
	ActionMetadataStripped = "metadata_stripped"
	ActionBlurSharpen      = "blur_sharpen"
	ActionReencoded        = "reencoded"
	ActionImageDropped     = "image_dropped"
	ActionFilenameToken    = "filename_tokenized"
	ActionTimestampRemoved = "timestamp_removed"
)

// Operation records one transformation. Strict-level deletions carry
// ActionRemoved so they stay distinguishable from masking in the audit trail.
type Operation struct {
	Target string `json:"target"` // image, filename or data
	Field  string `json:"field,omitempty"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// String returns a human readable description of the operation
func (o Operation) String() string {
	s := o.Target + ": " + o.Action
	if o.Field != "" {
		s += " " + o.Field
	}
	if o.Detail != "" {
		s += " (" + o.Detail + ")"
	}
	return s
}

// AuditKey is the object key under which the audit block is attached
const AuditKey = "_anonymization"

// Input is the material to anonymize. Every part is optional: a nil Image,
// a null Data node and an empty Filename are skipped.
type Input struct {
	Image    []byte
	Data     tree.Node
	Filename string
}

// Result holds the anonymized parts. Image is nil when the input image could
// not be decoded; callers must treat that as a failure.
type Result struct {
	Image      []byte
	Format     string
	Data       tree.Node
	Filename   string
	Operations []Operation
}

// Counts returns the number of data fields masked and removed
func (r Result) Counts() (masked, removed int) {
	for _, op := range r.Operations {
		if op.Target != "data" {
			continue
		}
		switch op.Action {
		case ActionMasked, ActionFallbackMasked:
			masked++
		case ActionRemoved:
			removed++
		}
	}
	return masked, removed
}

// Anonymizer performs anonymization
type Anonymizer struct {
	logger      *zap.Logger
	jpegQuality int
	now         func() time.Time
}

// Option configures an Anonymizer
type Option func(*Anonymizer)

// WithClock overrides the time source used for the audit block
func WithClock(now func() time.Time) Option {
	return func(a *Anonymizer) { a.now = now }
}

// WithJPEGQuality sets the quality used when re-encoding JPEG output
func WithJPEGQuality(q int) Option {
	return func(a *Anonymizer) {
		if q > 0 && q <= 100 {
			a.jpegQuality = q
		}
	}
}

// New creates an Anonymizer
func New(logger *zap.Logger, opts ...Option) *Anonymizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Anonymizer{
		logger:      logger,
		jpegQuality: 95,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Anonymize transforms every part of in at the given level. Unknown levels
// are treated as strict.
func (a *Anonymizer) Anonymize(in Input, level Level) Result {
	switch level {
	case LevelBasic, LevelModerate, LevelStrict:
	default:
		a.logger.Warn("Unknown anonymization level, using strict", zap.String("level", string(level)))
		level = LevelStrict
	}

	var res Result

	if in.Image != nil {
		res.Image, res.Format, res.Operations = a.anonymizeImage(in.Image, level)
	}

	if in.Filename != "" {
		name, op := a.anonymizeFilename(in.Filename, res.Image, res.Format, level)
		res.Filename = name
		if op != nil {
			res.Operations = append(res.Operations, *op)
		}
	}

	data, ops := a.anonymizeData(in.Data, level)
	res.Data = data
	res.Operations = append(res.Operations, ops...)

	masked, removed := res.Counts()
	a.logger.Debug("Anonymization finished",
		zap.String("level", string(level)),
		zap.Int("operations", len(res.Operations)),
		zap.Int("masked", masked),
		zap.Int("removed", removed))

	return res
}
