package models

import "time"

// BackupArchive describes an encrypted backup file on disk or in the vault.
type BackupArchive struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}
