package models

import (
	"time"

	"gorm.io/gorm"
)

// Device — инвентарная запись сетевого устройства.
type Device struct {
	gorm.Model
	Hostname  string `gorm:"uniqueIndex;size:255"`
	IPAddress string `gorm:"column:ip_address;size:45"`

	// Per-device credentials; fall back to GlobalCredential when empty.
	Username string
	Password string
	Secret   string

	Platform string `gorm:"size:50;default:iosxe"`
	Family   string `gorm:"size:20;default:Switch"` // Switch | Router | AP | WLC
	Version  string `gorm:"size:50"`

	BootMethod string
	MACAddress string `gorm:"column:mac_address;size:100;index"`

	ModelID *uint        `gorm:"index"`
	Hw      *DeviceModel `gorm:"foreignKey:ModelID"`

	SiteID *uint `gorm:"index"`
	Site   *Site

	PreferredFileServerID *uint
	PreferredFileServer   *FileServer `gorm:"foreignKey:PreferredFileServerID"`

	Reachability   string `gorm:"size:20;default:Unknown"` // Reachable | Unreachable | Unknown
	LastSyncStatus string `gorm:"size:20;default:Pending"` // Pending | In Progress | Completed | Failed
	LastSyncTime   *time.Time
}

// DeviceModel — модель железа и её golden-стандарт.
type DeviceModel struct {
	gorm.Model
	Name   string `gorm:"uniqueIndex;size:100"`
	Vendor string `gorm:"size:50;default:Cisco"`

	// Direct golden tuple (legacy path), or DefaultImage below.
	GoldenImageVersion string `gorm:"size:50"`
	GoldenImageFile    string
	GoldenImageSize    int64
	GoldenImageMD5     string `gorm:"size:32"`
	GoldenImagePath    string // remote folder to scan for images

	DefaultFileServerID *uint
	DefaultFileServer   *FileServer `gorm:"foreignKey:DefaultFileServerID"`

	DefaultImageID  *uint
	DefaultImage    *Image  `gorm:"foreignKey:DefaultImageID"`
	SupportedImages []Image `gorm:"many2many:device_model_images"`
}

type Site struct {
	gorm.Model
	Name    string `gorm:"uniqueIndex;size:100"`
	Address string

	PreferredFileServerID *uint
	PreferredFileServer   *FileServer `gorm:"foreignKey:PreferredFileServerID"`

	RegionID *uint `gorm:"index"`
	Region   *Region
}

type Region struct {
	gorm.Model
	Name string `gorm:"uniqueIndex;size:100"`

	PreferredFileServerID *uint
	PreferredFileServer   *FileServer `gorm:"foreignKey:PreferredFileServerID"`
}

// GlobalCredential — единственная запись-фоллбэк (берём .First()).
type GlobalCredential struct {
	gorm.Model
	Username string
	Password string
	Secret   string
}
