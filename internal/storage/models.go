package storage

import (
	"errors"
	"time"

	"github.com/kalambet/docent/internal/feed"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmptyTour is returned by SaveTour when there are no items to save.
var ErrEmptyTour = errors.New("tour has no items")

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// TourParams describes a tour to save. FeedItems should come from
// feed.Store.Snapshot or Finished; the store serialises them on save.
type TourParams struct {
	Title        string
	Description  string
	HeroImageURI string
	MuseumID     string
	MuseumName   string
	Coordinates  *Coordinates
	FeedItems    []feed.Item
	UserID       string
	SessionID    string
}

// Tour is a saved tour with its items as they were at save time.
type Tour struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	HeroImageURI string       `json:"heroImageUri,omitempty"`
	MuseumID     string       `json:"museumId,omitempty"`
	MuseumName   string       `json:"museumName,omitempty"`
	Coordinates  *Coordinates `json:"coordinates,omitempty"`
	UserID       string       `json:"userId,omitempty"`
	SessionID    string       `json:"sessionId"`
	CreatedAt    time.Time    `json:"createdAt"`
	Items        []feed.Item  `json:"feedItems"`
}

// TourSummary is a tour row without its items.
type TourSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	MuseumName string    `json:"museumName,omitempty"`
	ItemCount  int       `json:"itemCount"`
	CreatedAt  time.Time `json:"createdAt"`
}
