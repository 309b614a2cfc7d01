package antiphishing

import (
	"strings"

	"countwarden/internal/utils"
)

var DefaultBaitPhrases = []string{"nitro", "free nitro", "free steam", "free"}

type Kind int

const (
	KindNone Kind = iota
	// KindGuaranteed means the link's domain is on the known phishing list.
	KindGuaranteed
	// KindBait means an unknown link sits next to a bait phrase. These are
	// logged for review, never alerted.
	KindBait
)

type Detection struct {
	Kind   Kind
	URL    string
	Domain string
}

type DomainSet interface {
	Contains(domain string) bool
}

type Detector struct {
	domains DomainSet
	bait    []string
}

func New(domains DomainSet, baitPhrases []string) *Detector {
	if len(baitPhrases) == 0 {
		baitPhrases = DefaultBaitPhrases
	}
	phrases := make([]string, 0, len(baitPhrases))
	for _, p := range baitPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Detector{domains: domains, bait: phrases}
}

// Detect checks every link in content against the phishing list. When none
// match, the first link is reported as bait if the content carries a bait
// phrase.
func (d *Detector) Detect(content string) Detection {
	links := utils.Links(content)
	if len(links) == 0 {
		return Detection{}
	}
	if d.domains != nil {
		for _, token := range links {
			if domain := utils.BareDomain(token); domain != "" && d.domains.Contains(domain) {
				return Detection{Kind: KindGuaranteed, URL: token, Domain: domain}
			}
		}
	}
	token := links[0]
	domain := utils.BareDomain(token)
	if domain != "" && d.hasBait(content) {
		return Detection{Kind: KindBait, URL: token, Domain: domain}
	}
	return Detection{}
}

func (d *Detector) hasBait(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range d.bait {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
