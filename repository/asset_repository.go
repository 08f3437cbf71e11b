package repository

import (
	"errors"
	"fmt"

	"AzanFM/model"

	"gorm.io/gorm"
)

// AssetRepository defines the interface for audio asset data operations.
type AssetRepository interface {
	CreateAsset(asset *model.AudioAsset) error
	GetAssetByID(id string) (*model.AudioAsset, error)
	GetAssetsByCategory(category string) ([]*model.AudioAsset, error)
	GetAllAssets() ([]*model.AudioAsset, error)
	UpdateAssetDuration(id string, durationSec float64) error
}

// gormAssetRepository implements AssetRepository on GORM/MySQL.
type gormAssetRepository struct {
	db *gorm.DB
}

// NewGormAssetRepository creates a new instance of gormAssetRepository.
func NewGormAssetRepository(db *gorm.DB) AssetRepository {
	return &gormAssetRepository{db: db}
}

// CreateAsset adds a new audio asset to the catalog.
func (r *gormAssetRepository) CreateAsset(asset *model.AudioAsset) error {
	if err := r.db.Create(asset).Error; err != nil {
		return fmt.Errorf("failed to create audio asset: %w", err)
	}
	return nil
}

// GetAssetByID retrieves an asset by its ID. Returns (nil, nil) when not found.
func (r *gormAssetRepository) GetAssetByID(id string) (*model.AudioAsset, error) {
	var asset model.AudioAsset
	err := r.db.Where("id = ? AND state = 1", id).First(&asset).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query audio asset %s: %w", id, err)
	}
	return &asset, nil
}

// GetAssetsByCategory retrieves all active assets in a category.
func (r *gormAssetRepository) GetAssetsByCategory(category string) ([]*model.AudioAsset, error) {
	var assets []*model.AudioAsset
	err := r.db.Where("category = ? AND state = 1", category).
		Order("title ASC").Find(&assets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query assets by category %s: %w", category, err)
	}
	return assets, nil
}

// GetAllAssets retrieves all active assets.
func (r *gormAssetRepository) GetAllAssets() ([]*model.AudioAsset, error) {
	var assets []*model.AudioAsset
	err := r.db.Where("state = 1").Order("category ASC, title ASC").Find(&assets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query all assets: %w", err)
	}
	return assets, nil
}

// UpdateAssetDuration records the measured duration of an asset.
func (r *gormAssetRepository) UpdateAssetDuration(id string, durationSec float64) error {
	err := r.db.Model(&model.AudioAsset{}).Where("id = ?", id).
		Update("duration_sec", durationSec).Error
	if err != nil {
		return fmt.Errorf("failed to update duration for asset %s: %w", id, err)
	}
	return nil
}
