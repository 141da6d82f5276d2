package models

import "gorm.io/gorm"

// FileServer — источник образов для команды copy на устройстве.
type FileServer struct {
	gorm.Model
	Name     string `gorm:"size:100"`
	Protocol string `gorm:"size:10;default:scp"` // scp | sftp | http | https | ftp | tftp
	Address  string `gorm:"size:255"`
	Port     int    `gorm:"default:22"`
	BasePath string `gorm:"default:/"`

	Username string
	Password string

	City            string `gorm:"size:100"`
	IsGlobalDefault bool   `gorm:"index"` // fallback if regional/site server fails
}

type Image struct {
	gorm.Model
	Filename    string `gorm:"size:255;index"`
	Version     string `gorm:"size:50"`
	SizeBytes   int64
	MD5Checksum string `gorm:"column:md5_checksum;size:32"`

	IsRemote     bool
	FileServerID *uint
	FileServer   *FileServer
	RemotePath   string
}
