package types

import "time"

// Item is a playable entry handed to the engine by the catalog service.
type Item struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	PosterURL   string   `json:"posterUrl"`
	BannerURL   string   `json:"bannerUrl,omitempty"`
	VideoURL    string   `json:"videoUrl"`
	Duration    string   `json:"duration"` // display label, e.g. "2h 49m"
	Year        int      `json:"year,omitempty"`
	Rating      string   `json:"rating,omitempty"`
	Genres      []string `json:"genres,omitempty"`
	Views       int64    `json:"views,omitempty"`
}

// OfflineAsset is one record of the metadata index. ID joins it to the content store.
type OfflineAsset struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	PosterURL    string    `json:"posterUrl"`
	Duration     string    `json:"duration"`
	Size         string    `json:"size"`
	DownloadedAt time.Time `json:"downloadedAt"`
	ContentRef   string    `json:"contentRef,omitempty"`
}

// Descriptor is what a caller knows about an item before it is downloaded.
type Descriptor struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	PosterURL string `json:"posterUrl"`
	Duration  string `json:"duration"`
}

// Descriptor trims an item to what the acquisition pipeline records.
func (it Item) Descriptor() Descriptor {
	return Descriptor{ID: it.ID, Title: it.Title, PosterURL: it.PosterURL, Duration: it.Duration}
}
