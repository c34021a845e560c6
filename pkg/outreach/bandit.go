package outreach

import (
	"time"

	"github.com/pario-ai/spendguard/pkg/models"
)

type templateSet struct {
	subjects []string
	ctas     []string
}

var templates = map[string]templateSet{
	"en": {
		subjects: []string{"Boost your channel with captions", "Reach more viewers with subtitles"},
		ctas:     []string{"Get Captions Now", "Start in Minutes"},
	},
	"es": {
		subjects: []string{"Impulsa tu canal con subtítulos", "Llega a más audiencia con subtítulos"},
		ctas:     []string{"Obtén subtítulos ahora", "Comienza en minutos"},
	},
}

// Bandit rotates through every subject/CTA pair of a language, moving to
// the next pair each bucket. It does not weigh variants by reward.
type Bandit struct {
	bucket      time.Duration
	defaultLang string
}

// NewBandit creates a Bandit. Unknown languages fall back to defaultLang.
func NewBandit(bucket time.Duration, defaultLang string) *Bandit {
	if bucket <= 0 {
		bucket = time.Hour
	}
	if _, ok := templates[defaultLang]; !ok {
		defaultLang = "en"
	}
	return &Bandit{bucket: bucket, defaultLang: defaultLang}
}

// Pick returns the variant for lang in the bucket containing now.
func (b *Bandit) Pick(lang string, now time.Time) models.Variant {
	set, ok := templates[lang]
	if !ok {
		lang = b.defaultLang
		set = templates[lang]
	}
	n := len(set.subjects) * len(set.ctas)
	i := int((now.UTC().UnixNano() / int64(b.bucket)) % int64(n))
	return models.Variant{
		Index:   i,
		Lang:    lang,
		Subject: set.subjects[i%len(set.subjects)],
		CTA:     set.ctas[i/len(set.subjects)],
	}
}
