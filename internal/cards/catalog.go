package cards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLabels          = "cards.labels.list"
	opConfigGet       = "cards.config.get"
	opConfigPut       = "cards.config.put"
	reasonInvalidJSON = "invalid_json"
)

// ErrInvalidConfiguration indicates a card configuration that is not a JSON document.
var ErrInvalidConfiguration = errors.New("cards: invalid card configuration")

// LabelSource supplies a tenant's label catalog. It is read only here; label
// CRUD lives elsewhere.
type LabelSource interface {
	Labels(ctx context.Context, tenantID TenantID) ([]Label, error)
}

// LabelRepository reads labels from the shared database.
type LabelRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewLabelRepository constructs a LabelRepository.
func NewLabelRepository(db *gorm.DB, logger *zap.Logger) *LabelRepository {
	if logger == nil {
		logger = noOpLogger
	}
	return &LabelRepository{db: db, logger: logger}
}

// Labels returns every label of the tenant.
func (r *LabelRepository) Labels(ctx context.Context, tenantID TenantID) ([]Label, error) {
	if r == nil || r.db == nil {
		return nil, newServiceError(opLabels, reasonMissingDB, errMissingDatabase)
	}
	var labels []Label
	if err := r.db.WithContext(ctx).Where(fieldTenantID+" = ?", tenantID.String()).Find(&labels).Error; err != nil {
		logServiceError(r.logger, opLabels, reasonQueryFailed, err, zap.String(fieldTenantID, tenantID.String()))
		return nil, newServiceError(opLabels, reasonQueryFailed, err)
	}
	return labels, nil
}

// ConfigStore keeps each tenant's card field configuration as an opaque JSON
// document. The engine never interprets it.
type ConfigStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewConfigStore constructs a ConfigStore.
func NewConfigStore(db *gorm.DB, clock func() time.Time, logger *zap.Logger) *ConfigStore {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &ConfigStore{db: db, clock: clock, logger: logger}
}

// Get returns the stored document, or an empty list when none was saved.
func (s *ConfigStore) Get(ctx context.Context, tenantID TenantID) (json.RawMessage, error) {
	if s == nil || s.db == nil {
		return nil, newServiceError(opConfigGet, reasonMissingDB, errMissingDatabase)
	}
	var record CardConfiguration
	err := s.db.WithContext(ctx).Where(fieldTenantID+" = ?", tenantID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return json.RawMessage("[]"), nil
	}
	if err != nil {
		logServiceError(s.logger, opConfigGet, reasonQueryFailed, err, zap.String(fieldTenantID, tenantID.String()))
		return nil, newServiceError(opConfigGet, reasonQueryFailed, err)
	}
	return json.RawMessage(record.FieldsJSON), nil
}

// Put replaces the tenant's document.
func (s *ConfigStore) Put(ctx context.Context, tenantID TenantID, document json.RawMessage) error {
	if s == nil || s.db == nil {
		return newServiceError(opConfigPut, reasonMissingDB, errMissingDatabase)
	}
	if len(document) == 0 || !json.Valid(document) {
		return newServiceError(opConfigPut, reasonInvalidJSON, fmt.Errorf("%w: not valid json", ErrInvalidConfiguration))
	}
	record := CardConfiguration{
		TenantID:        tenantID.String(),
		FieldsJSON:      datatypes.JSON(document),
		UpdatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldTenantID}},
		DoUpdates: clause.AssignmentColumns([]string{"fields_json", "updated_at_ms"}),
	}).Create(&record).Error
	if err != nil {
		logServiceError(s.logger, opConfigPut, reasonSaveFailed, err, zap.String(fieldTenantID, tenantID.String()))
		return newServiceError(opConfigPut, reasonSaveFailed, err)
	}
	return nil
}
