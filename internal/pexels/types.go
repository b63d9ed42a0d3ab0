// Package pexels provides an HTTP client for the Pexels stock-video search API.
// Search results are normalized into Candidates and screened by content filters
// before they are handed to the selector.
package pexels

import "encoding/json"

// Candidate is a stock-video search result, normalized and pre-download.
type Candidate struct {
	// ID is the Pexels video id.
	ID string
	// URL is the direct link to the chosen encoded file.
	URL string
	// PageURL is the Pexels page for the video.
	PageURL string
	// User is the uploader's display name.
	User string
	// Duration is the clip length in seconds.
	Duration float64
	// Width of the chosen file in pixels.
	Width int
	// Height of the chosen file in pixels.
	Height int
	// Tags attached to the video.
	Tags []string
}

// SearchParams contains the query for a search call.
type SearchParams struct {
	Query       string
	MinDuration int // seconds
	MaxDuration int // seconds
	// MaxVideos is the number of clips the caller intends to use. The page
	// requested upstream is over-sized relative to it.
	MaxVideos int
}

// PerPage returns the page size requested upstream: three times the number of
// videos the caller wants, never less than 30.
func (p SearchParams) PerPage() int {
	n := p.MaxVideos * 3
	if n < minPerPage {
		n = minPerPage
	}
	return n
}

const (
	minPerPage = 30
	// hdMinWidth is the minimum width of a preferred landscape file.
	hdMinWidth = 1280
)

// searchResponse represents the body of GET /videos/search.
type searchResponse struct {
	Page         int     `json:"page"`
	PerPage      int     `json:"per_page"`
	TotalResults int     `json:"total_results"`
	Videos       []video `json:"videos"`
}

// video is a single entry in a search response.
type video struct {
	ID         videoID     `json:"id"`
	URL        string      `json:"url"`
	Duration   float64     `json:"duration"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	User       videoUser   `json:"user"`
	Tags       tagList     `json:"tags"`
	VideoFiles []videoFile `json:"video_files"`
}

type videoUser struct {
	Name string `json:"name"`
}

// videoFile is one encoded variant of a video.
type videoFile struct {
	ID       int    `json:"id"`
	Quality  string `json:"quality"`
	FileType string `json:"file_type"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Link     string `json:"link"`
}

func (f videoFile) landscape() bool {
	return f.Width > 0 && f.Height > 0 && f.Width > f.Height
}

// videoID accepts both numeric and string ids.
type videoID string

func (v *videoID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*v = videoID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*v = videoID(s)
	return nil
}

// tagList drops non-string and empty entries instead of failing the whole response.
type tagList []string

func (t *tagList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// tags is not a list; treat as untagged
		*t = nil
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil && s != "" {
			out = append(out, s)
		}
	}
	*t = out
	return nil
}

