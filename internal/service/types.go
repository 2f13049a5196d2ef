package service

import "github.com/kalambet/docent/internal/feed"

// Recognition is the result of identifying the photographed object.
type Recognition struct {
	ObjectID   string  `json:"objectId"`
	Confidence float64 `json:"recognitionConfidence"`
}

// AudioRequest selects what the audio stream narrates.
type AudioRequest struct {
	ObjectID string         `json:"objectId"`
	Voice    string         `json:"voice,omitempty"`
	Metadata *feed.Metadata `json:"metadata,omitempty"`
}

type narrativeRequest struct {
	ObjectID string `json:"objectId"`
	Context  string `json:"context,omitempty"`
}

type narrativeResponse struct {
	Text string `json:"text"`
}

// apiError mirrors the error envelope returned by the service.
type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
