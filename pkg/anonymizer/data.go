package anonymizer

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/tree"
	"github.com/David-Botos/endo-ingress/pkg/vocab"
)

// Redacted replaces values that cannot be partially revealed
const Redacted = "[REDACTED]"

// IdentifierPrefix marks irreversible identifier digests
const IdentifierPrefix = "anon:"

var (
	basicTerms = vocab.New(
		"name", "patient", "email", "phone", "ssn", "cpf", "address",
	)
	moderateTerms = basicTerms.Extend(
		"birth", "dob", "mrn", "record", "insurance", "zip", "postal", "city", "date",
	)
	strictTerms = moderateTerms.Extend(
		"id", "device", "serial", "physician", "doctor", "hospital", "institution",
		"operator", "comment", "note", "description",
	)
)

// Vocabulary returns the sensitive field-name vocabulary for level
func Vocabulary(level Level) vocab.Vocabulary {
	switch level {
	case LevelBasic:
		return basicTerms
	case LevelModerate:
		return moderateTerms
	default:
		return strictTerms
	}
}

var yearPattern = regexp.MustCompile(`\b(1[89]\d{2}|2\d{3})\b`)

// masker transforms one scalar value; an error triggers full masking
type masker func(value string) (string, error)

// maskerFor picks the masking function for a key by field type
func maskerFor(key string) (string, masker) {
	lower := strings.ToLower(key)
	tokens := vocab.Tokens(key)
	hasToken := func(t string) bool {
		for _, tok := range tokens {
			if tok == t {
				return true
			}
		}
		return false
	}
	containsAny := func(terms ...string) bool {
		for _, t := range terms {
			if strings.Contains(lower, t) {
				return true
			}
		}
		return false
	}

	switch {
	case containsAny("email", "mail"):
		return "email", maskEmail
	case containsAny("phone", "mobile", "fax") || hasToken("tel"):
		return "phone", maskPhone
	case containsAny("birth", "dob", "date"):
		return "date", maskDate
	case containsAny("ssn", "cpf", "mrn", "record", "insurance", "serial") || hasToken("id"):
		return "identifier", maskIdentifier
	case containsAny("name", "patient", "physician", "doctor", "operator"):
		return "name", maskName
	default:
		return "text", maskFull
	}
}

func maskEmail(v string) (string, error) {
	at := strings.LastIndex(v, "@")
	if at <= 0 || at == len(v)-1 {
		return "", fmt.Errorf("not an e-mail address")
	}
	first, _ := utf8.DecodeRuneInString(v)
	return string(first) + "***" + v[at:], nil
}

func maskPhone(v string) (string, error) {
	var digits []rune
	for _, r := range v {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) < 4 {
		return "", fmt.Errorf("too few digits for a phone number")
	}
	return "***-***-" + string(digits[len(digits)-4:]), nil
}

func maskDate(v string) (string, error) {
	year := yearPattern.FindString(v)
	if year == "" {
		return "", fmt.Errorf("no year found")
	}
	return year, nil
}

func maskIdentifier(v string) (string, error) {
	return IdentifierPrefix + digest.SHA256.FromString(v).Encoded()[:16], nil
}

func maskName(v string) (string, error) {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "", fmt.Errorf("empty name")
	}
	first, _ := utf8.DecodeRuneInString(trimmed)
	return string(first) + "***", nil
}

func maskFull(string) (string, error) {
	return Redacted, nil
}

// alreadyMasked reports whether v is output of a masking function that
// would not map onto itself
func alreadyMasked(v string) bool {
	return v == Redacted || strings.HasPrefix(v, IdentifierPrefix)
}

// anonymizeData returns a transformed copy of data. data itself is never modified.
func (a *Anonymizer) anonymizeData(data tree.Node, level Level) (tree.Node, []Operation) {
	if data.Kind() == tree.KindNull {
		return data, nil
	}

	w := &dataWalker{anonymizer: a, level: level, terms: Vocabulary(level)}

	root := data
	if root.Kind() == tree.KindObject {
		root = root.Without(AuditKey)
	}
	out := w.walk(root, "")

	if level != LevelBasic && out.Kind() == tree.KindObject {
		out = out.With(AuditKey, tree.Object(
			tree.Field{Key: "timestamp", Value: tree.String(a.now().UTC().Format(time.RFC3339))},
			tree.Field{Key: "level", Value: tree.String(string(level))},
			tree.Field{Key: "fieldsProcessed", Value: tree.Float(float64(len(w.ops)))},
		))
	}
	return out, w.ops
}

type dataWalker struct {
	anonymizer *Anonymizer
	level      Level
	terms      vocab.Vocabulary
	ops        []Operation
}

func (w *dataWalker) walk(n tree.Node, path string) tree.Node {
	switch n.Kind() {
	case tree.KindObject:
		fields := make([]tree.Field, 0, n.Len())
		for _, f := range n.Fields() {
			fieldPath := f.Key
			if path != "" {
				fieldPath = path + "." + f.Key
			}

			term, matched := w.terms.Match(f.Key)
			if !matched {
				fields = append(fields, tree.Field{Key: f.Key, Value: w.walk(f.Value, fieldPath)})
				continue
			}

			if w.level == LevelStrict {
				w.ops = append(w.ops, Operation{Target: "data", Field: fieldPath, Action: ActionRemoved,
					Detail: "matched " + term})
				continue
			}

			value, op := w.mask(f.Key, fieldPath, term, f.Value)
			if op != nil {
				w.ops = append(w.ops, *op)
			}
			fields = append(fields, tree.Field{Key: f.Key, Value: value})
		}
		return tree.Object(fields...)

	case tree.KindArray:
		items := n.Items()
		for i := range items {
			items[i] = w.walk(items[i], fmt.Sprintf("%s[%d]", path, i))
		}
		return tree.Array(items...)

	default:
		return n
	}
}

// mask transforms a matched value. A failing or panicking masker falls back
// to full masking of that field only.
func (w *dataWalker) mask(key, path, term string, value tree.Node) (out tree.Node, op *Operation) {
	switch {
	case value.Kind() == tree.KindNull:
		return value, nil
	case !value.IsScalar():
		return tree.String(Redacted), &Operation{Target: "data", Field: path, Action: ActionMasked,
			Detail: "composite value matched " + term}
	}

	text := value.Text()
	if value.Kind() == tree.KindString && alreadyMasked(text) {
		return value, nil
	}

	kind, fn := maskerFor(key)

	defer func() {
		if r := recover(); r != nil {
			w.anonymizer.logger.Error("Recovered from panic while masking field",
				zap.String("field", path),
				zap.Any("panic", r),
				zap.Stack("stack"))
			out = tree.String(Redacted)
			op = &Operation{Target: "data", Field: path, Action: ActionFallbackMasked,
				Detail: fmt.Sprintf("%s masking failed", kind)}
		}
	}()

	masked, err := fn(text)
	if err != nil {
		return tree.String(Redacted), &Operation{Target: "data", Field: path, Action: ActionFallbackMasked,
			Detail: fmt.Sprintf("%s masking failed: %v", kind, err)}
	}
	if value.Kind() == tree.KindString && masked == text {
		return value, nil
	}
	return tree.String(masked), &Operation{Target: "data", Field: path, Action: ActionMasked,
		Detail: kind + " mask, matched " + term}
}
