package compliance

import (
	"regexp"
	"strings"

	"github.com/David-Botos/endo-ingress/pkg/vocab"
)

// Regulatory bases cited by the default rules
const (
	BasisHIPAAIdentifiers = "HIPAA 45 CFR 164.514(b)(2) Safe Harbor identifiers"
	BasisHIPAAGeographic  = "HIPAA 45 CFR 164.514(b)(2)(i)(B) geographic subdivisions"
	BasisHIPAADates       = "HIPAA 45 CFR 164.514(b)(2)(i)(C) dates related to an individual"
	BasisHIPAADevices     = "HIPAA 45 CFR 164.514(b)(2)(i)(M) device identifiers and serial numbers"
	BasisLGPDPersonal     = "LGPD Art. 5, I personal data"
	BasisLGPDSensitive    = "LGPD Art. 11 sensitive health data"
	BasisLGPDConsent      = "LGPD Art. 7, I and Art. 11, I consent"
	BasisLGPDRetention    = "LGPD Art. 15-16 end of processing and retention"
)

// SensitiveTerms is the key vocabulary shared by image-side and data-side rules
var SensitiveTerms = vocab.New(
	"patient", "name", "birth", "ssn", "id", "medical", "record",
	"mrn", "cpf", "address", "phone", "email",
)

var (
	gpsTags = keyPrefix("GPS")

	deviceTags = keyIn(
		"Make", "Model", "BodySerialNumber", "LensSerialNumber",
		"LensMake", "LensModel", "Software", "HostComputer",
	)

	timestampTags = func(key string) bool {
		switch key {
		case "DateTime", "DateTimeOriginal", "DateTimeDigitized":
			return true
		}
		return strings.HasPrefix(key, "SubSecTime")
	}

	freeTextTags = keyIn("ImageDescription", "UserComment", "XPComment", "Artist", "Copyright")

	// clinical enumeration fields legitimately hold capitalized phrases
	nameExempt = keyIn("category", "location", "sex", "ageRange")
)

var (
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cpfPattern   = regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b`)
	cnsPattern   = regexp.MustCompile(`\b[12789]\d{2}[ .]?\d{4}[ .]?\d{4}[ .]?\d{4}\b`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:^|[\s:;,])(?:\+\d{1,3}[\s.\-]?)?\(?\d{2,3}\)?[\s.\-]?\d{3,5}[\s.\-]?\d{4}\b`)
	namePattern  = regexp.MustCompile(`\b[A-Z][a-z]+\s+[A-Z][a-z]+\b`)
)

// DefaultRules returns the ordered rule set used by NewScanner
func DefaultRules() []Rule {
	return []Rule{
		// image metadata
		{Name: "image-geolocation", Target: TargetImageTag, Key: gpsTags, Severity: SeverityFail,
			Basis: BasisHIPAAGeographic, Detail: "geolocation tag present"},
		{Name: "image-sensitive-key", Target: TargetImageTag, Key: vocabKey(SensitiveTerms), Severity: SeverityFail,
			Basis: BasisHIPAAIdentifiers, Detail: "tag name matches sensitive vocabulary"},
		{Name: "image-device-identifier", Target: TargetImageTag, Key: deviceTags, Severity: SeverityWarning,
			Basis: BasisHIPAADevices, Detail: "device or serial identifier present"},
		{Name: "image-timestamp", Target: TargetImageTag, Key: timestampTags, Severity: SeverityWarning,
			Basis: BasisHIPAADates, Detail: "acquisition timestamp present"},
		{Name: "image-free-text", Target: TargetImageTag, Key: freeTextTags, Severity: SeverityWarning,
			Basis: BasisLGPDPersonal, Detail: "free-text tag may contain personal data"},

		// structured data values
		{Name: "data-ssn", Target: TargetDataValue, Pattern: ssnPattern, Severity: SeverityFail,
			Basis: BasisHIPAAIdentifiers, Detail: "value matches US social security number format"},
		{Name: "data-cpf", Target: TargetDataValue, Pattern: cpfPattern, Severity: SeverityFail,
			Basis: BasisLGPDPersonal, Detail: "value matches Brazilian CPF format"},
		{Name: "data-cns", Target: TargetDataValue, Pattern: cnsPattern, Severity: SeverityFail,
			Basis: BasisLGPDSensitive, Detail: "value matches Brazilian CNS health card format"},
		{Name: "data-email", Target: TargetDataValue, Pattern: emailPattern, Severity: SeverityFail,
			Basis: BasisHIPAAIdentifiers, Detail: "value contains an e-mail address"},
		{Name: "data-phone", Target: TargetDataValue, Pattern: phonePattern, Severity: SeverityFail,
			Basis: BasisHIPAAIdentifiers, Detail: "value contains a telephone number"},
		{Name: "data-personal-name", Target: TargetDataValue, Key: not(nameExempt), Pattern: namePattern,
			Severity: SeverityWarning, Basis: BasisLGPDPersonal, Detail: "value looks like a personal name"},

		// structured data keys
		{Name: "data-sensitive-key", Target: TargetDataKey, Key: vocabKey(SensitiveTerms), Severity: SeverityWarning,
			Basis: BasisHIPAAIdentifiers, Detail: "field name matches sensitive vocabulary"},

		// structured data root
		{Name: "data-consent", Target: TargetDataRoot, Key: keyIn("consent"), Severity: SeverityWarning,
			Basis: BasisLGPDConsent, Detail: "consent field"},
		{Name: "data-retention-policy", Target: TargetDataRoot, Key: keyIn("retentionPolicy"), Severity: SeverityWarning,
			Basis: BasisLGPDRetention, Detail: "retention policy field"},
	}
}

func keyIn(keys ...string) func(string) bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return func(key string) bool { return set[key] }
}

func keyPrefix(prefix string) func(string) bool {
	return func(key string) bool { return strings.HasPrefix(key, prefix) }
}

func vocabKey(v vocab.Vocabulary) func(string) bool {
	return func(key string) bool {
		_, ok := v.Match(key)
		return ok
	}
}

func not(pred func(string) bool) func(string) bool {
	return func(key string) bool { return !pred(key) }
}
