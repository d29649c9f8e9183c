package telegram

import (
	"regexp"
	"strings"
)

var mediaTagRe = regexp.MustCompile(`\[MEDIA_SEND:([^|\]]+)\|(image|video|audio|document)\]`)

type mediaRef struct {
	Source string
	Type   string
}

// splitMediaTags extracts media dispatch tags from a reply and returns
// the remaining text with the tags removed.
func splitMediaTags(text string) (string, []mediaRef) {
	matches := mediaTagRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	refs := make([]mediaRef, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, mediaRef{Source: strings.TrimSpace(m[1]), Type: m[2]})
	}
	clean := mediaTagRe.ReplaceAllString(text, "")
	clean = strings.TrimSpace(strings.Join(strings.Fields(clean), " "))
	return clean, refs
}
