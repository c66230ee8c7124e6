package acquisition

import (
	"fmt"
	"mime"

	regexp "github.com/wasilibs/go-re2"
)

// DefaultAuthPhrases are the body fragments the upstream API returns when
// the bearer token is missing or expired.
var DefaultAuthPhrases = []string{"缺少令牌"}

// authSignature recognises responses that mean "your credential is no
// good" even when the status code says 200.
type authSignature struct {
	phrases []*regexp.Regexp
}

func newAuthSignature(patterns []string) (*authSignature, error) {
	sig := &authSignature{phrases: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile auth phrase %q: %w", p, err)
		}
		sig.phrases = append(sig.phrases, re)
	}
	return sig, nil
}

// matches reports whether a response looks like an auth failure: an HTML
// page where JSON was expected, or a body containing a known phrase.
func (s *authSignature) matches(contentType string, body []byte, expectJSON bool) bool {
	if expectJSON && isHTML(contentType) {
		return true
	}
	for _, re := range s.phrases {
		if re.Match(body) {
			return true
		}
	}
	return false
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html"
}
