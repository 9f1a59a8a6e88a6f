package model

import (
	"time"

	"gorm.io/gorm"
)

type SyncStatus string

const (
	StatusSuccess SyncStatus = "SUCCESS"
	StatusFailed  SyncStatus = "FAILED"
)

type History struct {
	gorm.Model
	Status   SyncStatus `gorm:"not null"`
	Path     string     `gorm:"not null"`
	Reason   string     `gorm:"not null"`
	Attempts int        `gorm:"not null"`
	ErrMsg   string
	SyncedAt time.Time `gorm:"not null"`
}
