package repo

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"swim/internal/models"
	"swim/internal/session"
)

type DeviceStore struct {
	db *gorm.DB
}

func NewDeviceStore(db *gorm.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

func (s *DeviceStore) GetDevice(id uint) (*models.Device, error) {
	var m models.Device
	err := s.db.
		Preload("Hw").
		Preload("Hw.DefaultImage").
		Preload("Hw.DefaultFileServer").
		Preload("Site").
		Preload("Site.Region").
		Preload("Site.PreferredFileServer").
		Preload("PreferredFileServer").
		First(&m, id).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *DeviceStore) FindByHostname(hostname string) (*models.Device, error) {
	var m models.Device
	if err := s.db.Where("hostname = ?", hostname).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *DeviceStore) FindByMAC(mac string) (*models.Device, error) {
	var m models.Device
	if err := s.db.Where("mac_address = ?", strings.ToUpper(mac)).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *DeviceStore) CreateDevice(d *models.Device) error {
	if d.MACAddress != "" {
		d.MACAddress = strings.ToUpper(d.MACAddress)
	}
	return s.db.Create(d).Error
}

func (s *DeviceStore) SaveDevice(d *models.Device) error {
	return s.db.Save(d).Error
}

// CredentialsFor — учётки устройства, иначе глобальный фоллбэк.
func (s *DeviceStore) CredentialsFor(d *models.Device) session.Credentials {
	if d.Username != "" {
		return session.Credentials{Username: d.Username, Password: d.Password, Secret: d.Secret}
	}
	var g models.GlobalCredential
	if err := s.db.First(&g).Error; err != nil {
		return session.Credentials{}
	}
	return session.Credentials{Username: g.Username, Password: g.Password, Secret: g.Secret}
}

// UpdateFacts records the outcome of a device sync/verification pass.
func (s *DeviceStore) UpdateFacts(id uint, version, reachability, syncStatus string) error {
	now := time.Now()
	fields := map[string]any{
		"last_sync_status": syncStatus,
		"last_sync_time":   &now,
	}
	if version != "" {
		fields["version"] = version
	}
	if reachability != "" {
		fields["reachability"] = reachability
	}
	return s.db.Model(&models.Device{}).Where("id = ?", id).Updates(fields).Error
}

func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
