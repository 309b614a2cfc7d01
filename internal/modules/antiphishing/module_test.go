package antiphishing

import (
	"testing"

	"countwarden/internal/feed"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	detector := New(feed.NewSet([]string{"bad.com", "discord-gift.ru"}), nil)

	cases := []struct {
		name    string
		content string
		want    Detection
	}{
		{"known domain", "look https://Bad.com/login", Detection{Kind: KindGuaranteed, URL: "https://Bad.com/login", Domain: "bad.com"}},
		{"known domain without scheme", "discord-gift.ru/claim", Detection{Kind: KindGuaranteed, URL: "discord-gift.ru/claim", Domain: "discord-gift.ru"}},
		{"known domain wins over bait", "free nitro https://bad.com", Detection{Kind: KindGuaranteed, URL: "https://bad.com", Domain: "bad.com"}},
		{"bait phrase", "FREE Steam keys at https://keys.example.org", Detection{Kind: KindBait, URL: "https://keys.example.org", Domain: "keys.example.org"}},
		{"plain link", "docs at https://go.dev/doc", Detection{}},
		{"bait without link", "free nitro for everyone", Detection{}},
		{"any listed link counts", "https://ok.example.com then https://bad.com", Detection{Kind: KindGuaranteed, URL: "https://bad.com", Domain: "bad.com"}},
		{"dotted word before link", "check node.js https://discord-gift.ru/claim", Detection{Kind: KindGuaranteed, URL: "https://discord-gift.ru/claim", Domain: "discord-gift.ru"}},
		{"file name before link", "see config.yaml then https://discord-gift.ru/claim", Detection{Kind: KindGuaranteed, URL: "https://discord-gift.ru/claim", Domain: "discord-gift.ru"}},
		{"bait reports the scheme link", "free nitro, read readme.md at https://keys.example.org", Detection{Kind: KindBait, URL: "https://keys.example.org", Domain: "keys.example.org"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, detector.Detect(tc.content))
		})
	}
}

func TestDetectFollowsSetReplacement(t *testing.T) {
	set := feed.NewSet(nil)
	detector := New(set, []string{"gift"})
	assert.Equal(t, KindNone, detector.Detect("https://new-scam.io").Kind)

	set.Replace([]string{"new-scam.io"})
	assert.Equal(t, KindGuaranteed, detector.Detect("https://new-scam.io").Kind)
	assert.Equal(t, KindBait, detector.Detect("gift https://other.io").Kind)
}
