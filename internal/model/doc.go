package model

import "time"

// DocSection is one heading-delimited section of a knowledge-base document.
type DocSection struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	FilePath  string    `gorm:"size:512;not null;uniqueIndex:idx_doc_sections_path_section" json:"file_path"`
	Section   int       `gorm:"not null;uniqueIndex:idx_doc_sections_path_section" json:"section"`
	Heading   string    `gorm:"size:512" json:"heading"`
	Text      string    `gorm:"type:text" json:"text"`
	Embedding []float32 `gorm:"serializer:json;type:text" json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the gorm default.
func (DocSection) TableName() string { return "doc_sections" }

// DocHit is a knowledge-base search hit.
type DocHit struct {
	FilePath string  `json:"file_path"`
	Section  int     `json:"section"`
	Text     string  `json:"text"`
	Score    float64 `json:"score,omitempty"`
}
