package domain

import "time"

// GenerationRun records one pass of the PAC pipeline.
type GenerationRun struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	RunID   string `gorm:"size:36;uniqueIndex;not null"`
	Reason  string `gorm:"size:64;not null;default:''"`
	Country string `gorm:"size:8;not null;index"`

	ETag        string `gorm:"size:255;not null;default:''"`
	NotModified bool   `gorm:"not null;default:false"`

	Records    int `gorm:"not null;default:0"`
	Entries    int `gorm:"not null;default:0"`
	Overwrites int `gorm:"not null;default:0"`

	// ScriptSHA256 is the hex digest of the generated script.
	ScriptSHA256 string `gorm:"size:64;not null;default:''"`

	Failed bool   `gorm:"not null;default:false"`
	Error  string `gorm:"type:text"`

	StartedAt  time.Time `gorm:"not null"`
	FinishedAt time.Time `gorm:"not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}
