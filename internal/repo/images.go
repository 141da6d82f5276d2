package repo

import (
	"errors"

	"gorm.io/gorm"

	"swim/internal/models"
)

var ErrNoFileServer = errors.New("no file server available")

type ImageStore struct {
	db *gorm.DB
}

func NewImageStore(db *gorm.DB) *ImageStore {
	return &ImageStore{db: db}
}

func (s *ImageStore) GetImage(id uint) (*models.Image, error) {
	var m models.Image
	if err := s.db.Preload("FileServer").First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// FileServerFor resolves the transfer source for a device:
// device preference, then site, then region, then a global default.
func (s *ImageStore) FileServerFor(d *models.Device) (*models.FileServer, error) {
	if d.PreferredFileServerID != nil {
		if fs, err := s.fileServer(*d.PreferredFileServerID); err == nil {
			return fs, nil
		}
	}
	if d.SiteID != nil {
		var site models.Site
		if err := s.db.Preload("Region").First(&site, *d.SiteID).Error; err == nil {
			if site.PreferredFileServerID != nil {
				if fs, err := s.fileServer(*site.PreferredFileServerID); err == nil {
					return fs, nil
				}
			}
			if site.Region != nil && site.Region.PreferredFileServerID != nil {
				if fs, err := s.fileServer(*site.Region.PreferredFileServerID); err == nil {
					return fs, nil
				}
			}
		}
	}
	var fs models.FileServer
	err := s.db.Where("is_global_default = ?", true).Order("id ASC").First(&fs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoFileServer
	}
	if err != nil {
		return nil, err
	}
	return &fs, nil
}

// GlobalDefaults — пул фоллбэк-серверов, исключая уже испробованный.
func (s *ImageStore) GlobalDefaults(excludeID uint) ([]models.FileServer, error) {
	var out []models.FileServer
	q := s.db.Where("is_global_default = ?", true)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	err := q.Order("id ASC").Find(&out).Error
	return out, err
}

func (s *ImageStore) fileServer(id uint) (*models.FileServer, error) {
	var fs models.FileServer
	if err := s.db.First(&fs, id).Error; err != nil {
		return nil, err
	}
	return &fs, nil
}

// GoldenImageFor looks up the compliance standard for platform+site, falling
// back to the "Global" site entry.
func (s *ImageStore) GoldenImageFor(platform, site string) (*models.GoldenImage, error) {
	var g models.GoldenImage
	if site != "" {
		err := s.db.Preload("Image").
			Where("platform = ? AND site = ?", platform, site).
			First(&g).Error
		if err == nil {
			return &g, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	err := s.db.Preload("Image").
		Where("platform = ? AND site = ?", platform, "Global").
		First(&g).Error
	if err != nil {
		return nil, err
	}
	return &g, nil
}
