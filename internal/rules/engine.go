// Package rules implements the offline developmental-screening estimator.
//
// The engine is a pure function of its inputs: no I/O, no clock, no randomness.
// Rule tables are evaluated in authored order and the first match wins, so the
// order of the tables below is a product decision and must not be sorted.
package rules

import (
	"regexp"
	"strings"

	"devscreen/internal/models"
)

// Canonical domains
const (
	DomainCommunication = "communication"
	DomainMotor         = "motor"
	DomainSocial        = "social"
	DomainGeneral       = "general"
)

const (
	typicalConfidence      = 0.8
	insufficientConfidence = 0.75
)

// Rule is one age-gated pattern rule
type Rule struct {
	ID              string
	MinAgeMonths    int // rule applies when age > MinAgeMonths
	Pattern         *regexp.Regexp
	Risk            models.Risk
	Confidence      float64
	Rationale       string
	Recommendations []string
}

func (r Rule) matches(ageMonths int, text string) bool {
	return ageMonths > r.MinAgeMonths && r.Pattern.MatchString(text)
}

// Engine maps (age, domain, observation) to a deterministic estimate
type Engine struct {
	tables     map[string][]Rule
	aliases    map[string]string
	classifier []domainKeywords
}

type domainKeywords struct {
	domain   string
	keywords []string
}

// NewEngine creates an engine with the built-in rule tables
func NewEngine() *Engine {
	return &Engine{
		tables:     defaultTables(),
		aliases:    defaultAliases(),
		classifier: defaultClassifier(),
	}
}

// Estimate returns the risk estimate for an observation. An empty domain is
// classified from the text; an unrecognized domain yields an "insufficient data"
// estimate.
func (e *Engine) Estimate(ageMonths int, domain, observationText string) models.Estimate {
	text := normalize(observationText)

	resolved := e.ResolveDomain(domain)
	if strings.TrimSpace(domain) == "" {
		resolved = e.ClassifyDomain(text)
	}

	rules, known := e.tables[resolved]
	if !known {
		return models.Estimate{
			Domain:     strings.ToLower(strings.TrimSpace(domain)),
			Risk:       models.RiskUnknown,
			Confidence: insufficientConfidence,
			Rationale:  "Insufficient data: domain is not covered by offline screening rules",
			Recommendations: []string{
				"Repeat screening when connectivity is available",
				"Record observations against a supported domain",
			},
		}
	}

	for _, rule := range rules {
		if rule.matches(ageMonths, text) {
			return models.Estimate{
				Domain:          resolved,
				Risk:            rule.Risk,
				Confidence:      rule.Confidence,
				Rationale:       rule.Rationale,
				Recommendations: append([]string(nil), rule.Recommendations...),
				RuleID:          rule.ID,
			}
		}
	}

	return models.Estimate{
		Domain:     resolved,
		Risk:       models.RiskLow,
		Confidence: typicalConfidence,
		Rationale:  "Observation is consistent with typical development for age",
		Recommendations: []string{
			"Continue routine developmental monitoring",
		},
	}
}

// ResolveDomain maps aliases to a canonical domain name. Unknown names are
// returned lower-cased and unchanged.
func (e *Engine) ResolveDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if canonical, ok := e.aliases[d]; ok {
		return canonical
	}
	return d
}

// ClassifyDomain picks a domain from keywords in the text. Categories are tried
// in order and the first keyword hit wins; no hit yields "general".
func (e *Engine) ClassifyDomain(text string) string {
	text = normalize(text)
	for _, dk := range e.classifier {
		for _, kw := range dk.keywords {
			if strings.Contains(text, kw) {
				return dk.domain
			}
		}
	}
	return DomainGeneral
}

// Domains lists the domains covered by rule tables
func (e *Engine) Domains() []string {
	return []string{DomainCommunication, DomainMotor, DomainSocial, DomainGeneral}
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func defaultAliases() map[string]string {
	return map[string]string{
		"communication":       DomainCommunication,
		"language":            DomainCommunication,
		"speech":              DomainCommunication,
		"expressive_language": DomainCommunication,
		"motor":               DomainMotor,
		"gross_motor":         DomainMotor,
		"fine_motor":          DomainMotor,
		"social":              DomainSocial,
		"social_emotional":    DomainSocial,
		"general":             DomainGeneral,
	}
}

func defaultClassifier() []domainKeywords {
	return []domainKeywords{
		{DomainCommunication, []string{"talk", "word", "speak", "speech", "babbl", "say", "language", "sentence"}},
		{DomainMotor, []string{"walk", "crawl", "sit", "stand", "grasp", "climb", "balance", "run"}},
		{DomainSocial, []string{"eye contact", "smile", "play", "point", "wave", "name called", "respond to name"}},
	}
}

func defaultTables() map[string][]Rule {
	return map[string][]Rule{
		DomainCommunication: {
			{
				ID:           "comm-no-words",
				MinAgeMonths: 18,
				Pattern:      regexp.MustCompile(`\b(no words|not talking|doesn't talk|does not talk|not speaking|no speech)\b`),
				Risk:         models.RiskElevated,
				Confidence:   0.92,
				Rationale:    "No spoken words reported after 18 months",
				Recommendations: []string{
					"Refer for speech-language evaluation",
					"Arrange a hearing assessment",
				},
			},
			{
				ID:           "comm-joint-attention",
				MinAgeMonths: 12,
				Pattern:      regexp.MustCompile(`eye contact|name (is )?called|respond(s|ing)? to (his |her |their )?name`),
				Risk:         models.RiskElevated,
				Confidence:   0.90,
				Rationale:    "Limited eye contact or response to name reported",
				Recommendations: []string{
					"Complete a structured autism screening (e.g. M-CHAT-R/F)",
					"Refer for developmental evaluation",
				},
			},
			{
				ID:           "comm-no-phrases",
				MinAgeMonths: 24,
				Pattern:      regexp.MustCompile(`no (two|2)[- ]word|not combining words|no phrases`),
				Risk:         models.RiskModerate,
				Confidence:   0.85,
				Rationale:    "No two-word phrases reported after 24 months",
				Recommendations: []string{
					"Encourage daily shared reading and narration",
					"Re-screen in 3 months",
				},
			},
			{
				ID:           "comm-no-babble",
				MinAgeMonths: 9,
				Pattern:      regexp.MustCompile(`no babbl|not babbl|doesn't babble|does not babble`),
				Risk:         models.RiskModerate,
				Confidence:   0.8,
				Rationale:    "No babbling reported after 9 months",
				Recommendations: []string{
					"Arrange a hearing assessment",
					"Re-screen in 2 months",
				},
			},
		},
		DomainMotor: {
			{
				ID:           "motor-not-walking",
				MinAgeMonths: 18,
				Pattern:      regexp.MustCompile(`not walking|can't walk|cannot walk|unable to walk|doesn't walk|does not walk`),
				Risk:         models.RiskElevated,
				Confidence:   0.95,
				Rationale:    "Not walking independently after 18 months",
				Recommendations: []string{
					"Refer for physiotherapy assessment",
					"Check muscle tone and reflexes",
				},
			},
			{
				ID:           "motor-not-sitting",
				MinAgeMonths: 9,
				Pattern:      regexp.MustCompile(`not sitting|can't sit|cannot sit|unable to sit`),
				Risk:         models.RiskElevated,
				Confidence:   0.9,
				Rationale:    "Not sitting without support after 9 months",
				Recommendations: []string{
					"Refer for physiotherapy assessment",
				},
			},
			{
				ID:           "motor-not-crawling",
				MinAgeMonths: 12,
				Pattern:      regexp.MustCompile(`not crawling|doesn't crawl|not pulling (up|to stand)`),
				Risk:         models.RiskModerate,
				Confidence:   0.8,
				Rationale:    "Not crawling or pulling to stand after 12 months",
				Recommendations: []string{
					"Encourage supervised floor play",
					"Re-screen in 2 months",
				},
			},
			{
				ID:           "motor-clumsy",
				MinAgeMonths: 36,
				Pattern:      regexp.MustCompile(`falls often|very clumsy|trips constantly`),
				Risk:         models.RiskModerate,
				Confidence:   0.7,
				Rationale:    "Frequent falls reported after 36 months",
				Recommendations: []string{
					"Observe gait at next visit",
				},
			},
		},
		DomainSocial: {
			{
				ID:           "social-no-pointing",
				MinAgeMonths: 12,
				Pattern:      regexp.MustCompile(`no pointing|not pointing|doesn't point|does not point|no showing`),
				Risk:         models.RiskElevated,
				Confidence:   0.88,
				Rationale:    "No pointing or showing reported after 12 months",
				Recommendations: []string{
					"Complete a structured autism screening (e.g. M-CHAT-R/F)",
				},
			},
			{
				ID:           "social-no-smile",
				MinAgeMonths: 3,
				Pattern:      regexp.MustCompile(`no smil|not smiling|doesn't smile|does not smile`),
				Risk:         models.RiskElevated,
				Confidence:   0.85,
				Rationale:    "No social smile reported after 3 months",
				Recommendations: []string{
					"Refer for developmental evaluation",
				},
			},
			{
				ID:           "social-solitary-play",
				MinAgeMonths: 24,
				Pattern:      regexp.MustCompile(`plays alone|not interested in (other )?children|ignores other children`),
				Risk:         models.RiskModerate,
				Confidence:   0.75,
				Rationale:    "Limited interest in peers reported after 24 months",
				Recommendations: []string{
					"Arrange supervised peer play opportunities",
					"Re-screen in 3 months",
				},
			},
		},
		DomainGeneral: {
			{
				ID:           "general-regression",
				MinAgeMonths: 0,
				Pattern:      regexp.MustCompile(`lost (skills|words|abilities)|stopped (talking|walking)|regress`),
				Risk:         models.RiskElevated,
				Confidence:   0.9,
				Rationale:    "Loss of previously acquired skills reported",
				Recommendations: []string{
					"Refer urgently for developmental evaluation",
				},
			},
		},
	}
}
