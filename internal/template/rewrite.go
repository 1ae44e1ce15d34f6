package template

import (
	"regexp"
	"strings"
)

// Templates exported from Office arrive with relative image references in
// three syntactic sites: plain <img>, VML <v:imagedata>, and inline
// style url() backgrounds. Each relative src is rewritten to the public
// blob URL for its folder; absolute http(s) URLs are left untouched.
var (
	imgSrcRegex      = regexp.MustCompile(`(?i)(<img\b[^>]*?\bsrc\s*=\s*)(["'])([^"']+)(["'])`)
	vmlImageRegex    = regexp.MustCompile(`(?i)(<v:imagedata\b[^>]*?\bsrc\s*=\s*)(["'])([^"']+)(["'])`)
	styleURLRegex    = regexp.MustCompile(`(?i)(url\(\s*)(['"]?)([^'")]+)(['"]?\s*\))`)
	absoluteURLRegex = regexp.MustCompile(`(?i)^https?://`)
)

func (s *Store) rewriteImageRefs(html, folder string) string {
	rewrite := func(src string) string {
		if absoluteURLRegex.MatchString(src) || strings.HasPrefix(src, "data:") {
			return src
		}
		return s.publicURL + "/" + s.container + "/" + folder + "/" + imageFilename(src)
	}

	html = imgSrcRegex.ReplaceAllStringFunc(html, func(m string) string {
		parts := imgSrcRegex.FindStringSubmatch(m)
		return parts[1] + parts[2] + rewrite(parts[3]) + parts[4]
	})
	html = vmlImageRegex.ReplaceAllStringFunc(html, func(m string) string {
		parts := vmlImageRegex.FindStringSubmatch(m)
		return parts[1] + parts[2] + rewrite(parts[3]) + parts[4]
	})
	html = styleURLRegex.ReplaceAllStringFunc(html, func(m string) string {
		parts := styleURLRegex.FindStringSubmatch(m)
		return parts[1] + parts[2] + rewrite(parts[3]) + parts[4]
	})
	return html
}

// imageFilename extracts the bare filename from a relative reference:
// the substring after "_files/" if present, else after the final "/",
// else the value itself.
func imageFilename(src string) string {
	if idx := strings.Index(src, "_files/"); idx >= 0 {
		return src[idx+len("_files/"):]
	}
	if idx := strings.LastIndex(src, "/"); idx >= 0 {
		return src[idx+1:]
	}
	return src
}
