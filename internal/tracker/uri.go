package tracker

import (
	"net/url"
	"path"
	"strings"
)

// NormalizeURI returns the identity key for a document URI.
//
// File URIs are compared by cleaned path with a lower-cased drive letter and
// canonical percent-encoding, so "file:///C:/a/../b.lean" and
// "file:///c%3A/b.lean" name the same document. Other schemes are returned
// unchanged.
func NormalizeURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return uri
	}

	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	if p == "" {
		return uri
	}
	p = path.Clean(p)

	// "/C:/x" → "/c:/x"
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' && isLetter(p[1]) {
		p = "/" + strings.ToLower(p[1:2]) + p[2:]
	}

	host := u.Host
	if strings.EqualFold(host, "localhost") {
		host = ""
	}
	return (&url.URL{Scheme: "file", Host: host, Path: p}).String()
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
