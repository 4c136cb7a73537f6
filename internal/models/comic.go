package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReleaseDateLayout is the only accepted calendar format for release dates.
const ReleaseDateLayout = "2006-01-02"

// ComicRecord is the payload published for each valid CSV row
type ComicRecord struct {
	PublisherName string              `json:"publisherName"`
	SeriesName    string              `json:"seriesName"`
	FullTitle     string              `json:"fullTitle"`
	ReleaseDate   string              `json:"releaseDate"`
	InCollection  *string             `json:"inCollection,omitempty"`
	Value         decimal.NullDecimal `json:"value"`
	CoverArtPath  *string             `json:"coverArtPath,omitempty"`
}

// ComicCsvRecord is one row of an uploaded CSV file, as read.
type ComicCsvRecord struct {
	PublisherName string `json:"publisherName"`
	SeriesName    string `json:"seriesName"`
	FullTitle     string `json:"fullTitle"`
	ReleaseDate   string `json:"releaseDate"`
	InCollection  string `json:"inCollection,omitempty"`
	Value         string `json:"value,omitempty"`
	CoverArtPath  string `json:"coverArtPath,omitempty"`
}

// Validation errors
var (
	ErrPublisherRequired   = errors.New("publisher name is required")
	ErrSeriesRequired      = errors.New("series name is required")
	ErrFullTitleRequired   = errors.New("full title is required")
	ErrReleaseDateRequired = errors.New("release date is required")
	ErrReleaseDateFormat   = errors.New("release date must be in YYYY-MM-DD format")
	ErrValueFormat         = errors.New("value must be a decimal number")
)

// Validate checks the row has every required column in the expected format
func (r *ComicCsvRecord) Validate() error {
	if strings.TrimSpace(r.PublisherName) == "" {
		return ErrPublisherRequired
	}
	if strings.TrimSpace(r.SeriesName) == "" {
		return ErrSeriesRequired
	}
	if strings.TrimSpace(r.FullTitle) == "" {
		return ErrFullTitleRequired
	}
	if strings.TrimSpace(r.ReleaseDate) == "" {
		return ErrReleaseDateRequired
	}
	if _, err := time.Parse(ReleaseDateLayout, strings.TrimSpace(r.ReleaseDate)); err != nil {
		return ErrReleaseDateFormat
	}
	if v := strings.TrimSpace(r.Value); v != "" {
		if _, err := decimal.NewFromString(v); err != nil {
			return ErrValueFormat
		}
	}
	return nil
}

// ToComicRecord converts a validated row into the bus payload
func (r *ComicCsvRecord) ToComicRecord() *ComicRecord {
	rec := &ComicRecord{
		PublisherName: strings.TrimSpace(r.PublisherName),
		SeriesName:    strings.TrimSpace(r.SeriesName),
		FullTitle:     strings.TrimSpace(r.FullTitle),
		ReleaseDate:   strings.TrimSpace(r.ReleaseDate),
		InCollection:  optional(r.InCollection),
		CoverArtPath:  optional(r.CoverArtPath),
	}
	// a missing value means the comic has not been appraised yet
	if v := strings.TrimSpace(r.Value); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			rec.Value = decimal.NewNullDecimal(d)
		}
	}
	return rec
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// BatchIngestionMetrics summarizes one CSV import
type BatchIngestionMetrics struct {
	ImportID          string        `json:"importId"`
	StartedAt         time.Time     `json:"startedAt"`
	CompletedAt       time.Time     `json:"completedAt"`
	TotalRecords      int           `json:"totalRecords"`
	SuccessfulRecords int           `json:"successfulRecords"`
	FailedRecords     int           `json:"failedRecords"`
	Duration          time.Duration `json:"duration"`
	SourceSystem      string        `json:"sourceSystem"`
	TriggeredBy       string        `json:"triggeredBy"`
}
