package pexels

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

// DefaultDenylist holds the terms that mark a video as showing people.
var DefaultDenylist = []string{"person", "people"}

// personFilter screens videos that appear to contain people. It is a
// suitability heuristic; misses in either direction are acceptable.
type personFilter struct {
	terms []string
}

func newPersonFilter(terms []string) personFilter {
	terms = lo.FilterMap(terms, func(t string, _ int) (string, bool) {
		t = strings.ToLower(strings.TrimSpace(t))
		return t, t != ""
	})
	return personFilter{terms: lo.Uniq(terms)}
}

// matches reports whether any tag, the page URL or the uploader name contains
// a denylisted term. Page URLs under /people/ always match.
func (f personFilter) matches(v video) bool {
	if len(f.terms) == 0 {
		return false
	}
	hit := func(s string) bool {
		s = strings.ToLower(s)
		return lo.ContainsBy(f.terms, func(term string) bool {
			return strings.Contains(s, term)
		})
	}
	if lo.ContainsBy([]string(v.Tags), hit) {
		return true
	}
	if strings.Contains(strings.ToLower(v.URL), "/people/") || hit(v.URL) {
		return true
	}
	return hit(v.User.Name)
}

// pickFile chooses the encoded variant to download: the widest landscape file
// at least hdMinWidth wide, else the widest landscape file of any width.
// Reports false when the video has no landscape file at all.
func pickFile(files []videoFile) (videoFile, bool) {
	landscape := lo.Filter(files, func(f videoFile, _ int) bool {
		return f.landscape() && f.Link != ""
	})
	if len(landscape) == 0 {
		return videoFile{}, false
	}
	hd := lo.Filter(landscape, func(f videoFile, _ int) bool {
		return f.Width >= hdMinWidth
	})
	if len(hd) > 0 {
		landscape = hd
	}
	sort.SliceStable(landscape, func(i, j int) bool {
		return landscape[i].Width > landscape[j].Width
	})
	return landscape[0], true
}

// normalize converts a search response into candidates, dropping duplicates,
// filtered videos and videos without a usable file or duration.
func (f personFilter) normalize(videos []video) []Candidate {
	seen := make(map[string]struct{}, len(videos))
	out := make([]Candidate, 0, len(videos))
	for _, v := range videos {
		id := string(v.ID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if f.matches(v) {
			continue
		}
		file, ok := pickFile(v.VideoFiles)
		if !ok || v.Duration <= 0 {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Candidate{
			ID:       id,
			URL:      file.Link,
			PageURL:  v.URL,
			User:     v.User.Name,
			Duration: v.Duration,
			Width:    file.Width,
			Height:   file.Height,
			Tags:     append([]string(nil), v.Tags...),
		})
	}
	return out
}
