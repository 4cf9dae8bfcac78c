package models

import "fmt"

// ClassificationKind tags which payload of ContentClassification is set.
type ClassificationKind string

const (
	ClassificationFilm          ClassificationKind = "film"
	ClassificationSeriesEpisode ClassificationKind = "series_episode"
	ClassificationTrailer       ClassificationKind = "trailer"
)

// ContentClassification is a tagged union; exactly the payload named by
// Kind must be present.
type ContentClassification struct {
	Kind    ClassificationKind `json:"kind"`
	Film    *FilmDetails       `json:"film,omitempty"`
	Episode *EpisodeDetails    `json:"episode,omitempty"`
	Trailer *TrailerDetails    `json:"trailer,omitempty"`
}

type FilmDetails struct {
	Title          string     `json:"title"`
	ReleaseYear    int        `json:"releaseYear,omitempty"`
	RuntimeMinutes int        `json:"runtimeMinutes,omitempty"`
	Rights         FilmRights `json:"rights"`
}

// FilmRights carries the secondary-market terms of a tokenized film.
type FilmRights struct {
	ResaleAllowed      bool  `json:"resaleAllowed"`
	RoyaltyBasisPoints int   `json:"royaltyBasisPoints"`
	MaxSupply          int64 `json:"maxSupply,omitempty"`
}

type EpisodeDetails struct {
	SeriesID string `json:"seriesId"`
	Season   int    `json:"season"`
	Episode  int    `json:"episode"`
	Title    string `json:"title,omitempty"`
}

type TrailerDetails struct {
	ParentContentID string `json:"parentContentId"`
}

func (c *ContentClassification) Validate() error {
	payloads := 0
	for _, set := range []bool{c.Film != nil, c.Episode != nil, c.Trailer != nil} {
		if set {
			payloads++
		}
	}
	if payloads != 1 {
		return fmt.Errorf("%w: expected exactly one payload, got %d", ErrInvalidClassification, payloads)
	}

	switch c.Kind {
	case ClassificationFilm:
		if c.Film == nil {
			return fmt.Errorf("%w: film kind without film payload", ErrInvalidClassification)
		}
		if c.Film.Title == "" {
			return fmt.Errorf("%w: film title required", ErrInvalidClassification)
		}
		if r := c.Film.Rights.RoyaltyBasisPoints; r < 0 || r > 10000 {
			return fmt.Errorf("%w: royalty basis points out of range", ErrInvalidClassification)
		}
		if c.Film.Rights.MaxSupply < 0 {
			return fmt.Errorf("%w: negative max supply", ErrInvalidClassification)
		}
	case ClassificationSeriesEpisode:
		if c.Episode == nil {
			return fmt.Errorf("%w: series_episode kind without episode payload", ErrInvalidClassification)
		}
		if c.Episode.SeriesID == "" || c.Episode.Season < 1 || c.Episode.Episode < 1 {
			return fmt.Errorf("%w: episode requires seriesId, season and episode", ErrInvalidClassification)
		}
	case ClassificationTrailer:
		if c.Trailer == nil || c.Trailer.ParentContentID == "" {
			return fmt.Errorf("%w: trailer requires parentContentId", ErrInvalidClassification)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidClassification, c.Kind)
	}
	return nil
}
