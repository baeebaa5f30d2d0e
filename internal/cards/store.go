package cards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew           = "cards.store.new"
	opUpsert             = "cards.store.upsert"
	opUpdate             = "cards.store.update"
	opReorder            = "cards.store.reorder"
	opListSince          = "cards.store.list_since"
	opChangedWithin      = "cards.store.changed_within"
	opGet                = "cards.store.get"
	fieldTenantID        = "tenant_id"
	fieldCardID          = "card_id"
	fieldDeliveryDate    = "delivery_date"
	queryTenantCard      = fieldTenantID + " = ? AND " + fieldCardID + " = ?"
	queryTenantDate      = fieldTenantID + " = ? AND " + fieldDeliveryDate + " = ?"
	orderBySortOrder     = "sort_order ASC, card_id ASC"
	orderByUpdatedAt     = "updated_at_ms ASC, card_id ASC"
	reasonMissingDB      = "missing_database"
	reasonInvalidInput   = "invalid_input"
	reasonLookupFailed   = "lookup_failed"
	reasonNotFound       = "card_not_found"
	reasonInsertFailed   = "insert_failed"
	reasonSaveFailed     = "save_failed"
	reasonQueryFailed    = "query_failed"
	reasonSortLookup     = "sort_lookup_failed"
	reasonEmptyPatch     = "empty_patch"
	reasonDateMismatch   = "delivery_date_mismatch"
	reasonDuplicateInput = "duplicate_card"
)

// InitialState seeds a card state row the first time a definition is observed.
type InitialState struct {
	CardID       CardID
	DeliveryDate string
	Extra        map[string]any
}

// CardPatch lists the fields an update touches. Nil fields are left as stored.
// Extra is merged key by key; a nil value removes the key.
type CardPatch struct {
	Status          *Status
	AssignedTo      *string
	AssignedBy      *string
	Notes           *string
	SortOrder       *int
	Extra           map[string]any
	ExpectedVersion *int64
}

// IsEmpty reports whether the patch changes nothing.
func (patch CardPatch) IsEmpty() bool {
	return patch.Status == nil &&
		patch.AssignedTo == nil &&
		patch.AssignedBy == nil &&
		patch.Notes == nil &&
		patch.SortOrder == nil &&
		len(patch.Extra) == 0
}

// UpdateResult reports the merged state. Conflict is set when the caller's
// expected version was stale; the write is applied regardless.
type UpdateResult struct {
	State           CardState
	PreviousVersion int64
	Conflict        bool
}

// StoreConfig describes the dependencies of the card state store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists card state with create-if-absent and merge semantics.
// Concurrent updates to one card resolve as last write wins.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Upsert creates the row when absent, as unassigned at the tail of the
// delivery date's sort order. An existing row is returned untouched.
func (s *Store) Upsert(ctx context.Context, tenantID TenantID, initial InitialState) (CardState, bool, error) {
	if s == nil || s.db == nil {
		return CardState{}, false, newServiceError(opUpsert, reasonMissingDB, errMissingDatabase)
	}
	if tenantID == "" || initial.CardID == "" {
		return CardState{}, false, newServiceError(opUpsert, reasonInvalidInput, ErrInvalidCardID)
	}
	if _, err := ValidateDeliveryDate(initial.DeliveryDate); err != nil {
		return CardState{}, false, newServiceError(opUpsert, reasonInvalidInput, err)
	}

	var stored CardState
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupErr := tx.Where(queryTenantCard, tenantID.String(), initial.CardID.String()).Take(&stored).Error
		if lookupErr == nil {
			return nil
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			s.logError(opUpsert, reasonLookupFailed, lookupErr, tenantID, initial.CardID)
			return newServiceError(opUpsert, reasonLookupFailed, lookupErr)
		}

		var maxSortOrder int
		sortErr := tx.Model(&CardState{}).
			Select("COALESCE(MAX(sort_order), -1)").
			Where(queryTenantDate, tenantID.String(), initial.DeliveryDate).
			Row().
			Scan(&maxSortOrder)
		if sortErr != nil {
			s.logError(opUpsert, reasonSortLookup, sortErr, tenantID, initial.CardID)
			return newServiceError(opUpsert, reasonSortLookup, sortErr)
		}

		nowMillis := s.clock().UTC().UnixMilli()
		state := CardState{
			TenantID:        tenantID.String(),
			CardID:          initial.CardID.String(),
			DeliveryDate:    initial.DeliveryDate,
			Status:          StatusUnassigned,
			SortOrder:       maxSortOrder + 1,
			Version:         1,
			CreatedAtMillis: nowMillis,
			UpdatedAtMillis: nowMillis,
			Extra:           cloneExtra(initial.Extra),
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&state)
		if result.Error != nil {
			s.logError(opUpsert, reasonInsertFailed, result.Error, tenantID, initial.CardID)
			return newServiceError(opUpsert, reasonInsertFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return tx.Where(queryTenantCard, tenantID.String(), initial.CardID.String()).Take(&stored).Error
		}
		stored = state
		created = true
		return nil
	})
	if err != nil {
		return CardState{}, false, err
	}
	return stored, created, nil
}

// Update merges the supplied fields, bumps the version and refreshes
// updated_at, including for sort-order-only writes.
func (s *Store) Update(ctx context.Context, tenantID TenantID, cardID CardID, patch CardPatch) (UpdateResult, error) {
	if s == nil || s.db == nil {
		return UpdateResult{}, newServiceError(opUpdate, reasonMissingDB, errMissingDatabase)
	}
	if patch.IsEmpty() {
		return UpdateResult{}, newServiceError(opUpdate, reasonEmptyPatch, ErrEmptyPatch)
	}
	if patch.Status != nil {
		if _, err := ParseStatus(string(*patch.Status)); err != nil {
			return UpdateResult{}, newServiceError(opUpdate, reasonInvalidInput, err)
		}
	}

	var result UpdateResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := s.takeForUpdate(tx, opUpdate, tenantID, cardID)
		if err != nil {
			return err
		}
		result.PreviousVersion = state.Version
		result.Conflict = patch.ExpectedVersion != nil && *patch.ExpectedVersion != state.Version

		applyPatch(&state, patch)
		s.touch(&state)
		if err := tx.Save(&state).Error; err != nil {
			s.logError(opUpdate, reasonSaveFailed, err, tenantID, cardID)
			return newServiceError(opUpdate, reasonSaveFailed, err)
		}
		result.State = state
		return nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	if result.Conflict {
		s.logger.Info("card updated over stale version",
			zap.String(fieldTenantID, tenantID.String()),
			zap.String(fieldCardID, cardID.String()),
			zap.Int64("previous_version", result.PreviousVersion))
	}
	return result, nil
}

// Reorder assigns sort_order by list position for one delivery date. Every
// touched row gets a fresh updated_at so pollers pick the new order up.
func (s *Store) Reorder(ctx context.Context, tenantID TenantID, deliveryDate string, cardIDs []CardID) ([]CardState, error) {
	if s == nil || s.db == nil {
		return nil, newServiceError(opReorder, reasonMissingDB, errMissingDatabase)
	}
	if _, err := ValidateDeliveryDate(deliveryDate); err != nil {
		return nil, newServiceError(opReorder, reasonInvalidInput, err)
	}
	seen := make(map[CardID]struct{}, len(cardIDs))
	for _, cardID := range cardIDs {
		if _, duplicate := seen[cardID]; duplicate {
			return nil, newServiceError(opReorder, reasonDuplicateInput, fmt.Errorf("%w: %s listed twice", ErrInvalidCardID, cardID))
		}
		seen[cardID] = struct{}{}
	}

	states := make([]CardState, 0, len(cardIDs))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index, cardID := range cardIDs {
			state, err := s.takeForUpdate(tx, opReorder, tenantID, cardID)
			if err != nil {
				return err
			}
			if state.DeliveryDate != deliveryDate {
				return newServiceError(opReorder, reasonDateMismatch, fmt.Errorf("%w: %s belongs to %s", ErrInvalidDeliveryDate, cardID, state.DeliveryDate))
			}
			state.SortOrder = index
			s.touch(&state)
			if err := tx.Save(&state).Error; err != nil {
				s.logError(opReorder, reasonSaveFailed, err, tenantID, cardID)
				return newServiceError(opReorder, reasonSaveFailed, err)
			}
			states = append(states, state)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// Get returns one card state.
func (s *Store) Get(ctx context.Context, tenantID TenantID, cardID CardID) (CardState, error) {
	if s == nil || s.db == nil {
		return CardState{}, newServiceError(opGet, reasonMissingDB, errMissingDatabase)
	}
	return s.takeForUpdate(s.db.WithContext(ctx), opGet, tenantID, cardID)
}

// ListSince returns a delivery date's rows ordered by sort order, optionally
// restricted to rows updated strictly after since.
func (s *Store) ListSince(ctx context.Context, tenantID TenantID, deliveryDate string, since *time.Time) ([]CardState, error) {
	if s == nil || s.db == nil {
		return nil, newServiceError(opListSince, reasonMissingDB, errMissingDatabase)
	}
	query := s.db.WithContext(ctx).Where(queryTenantDate, tenantID.String(), deliveryDate)
	if since != nil {
		query = query.Where("updated_at_ms > ?", since.UTC().UnixMilli())
	}
	var states []CardState
	if err := query.Order(orderBySortOrder).Find(&states).Error; err != nil {
		s.logError(opListSince, reasonQueryFailed, err, tenantID, "")
		return nil, newServiceError(opListSince, reasonQueryFailed, err)
	}
	return states, nil
}

// ChangedWithin returns every row of the tenant updated at or after since,
// oldest first. It backs the change-feed look-back window.
func (s *Store) ChangedWithin(ctx context.Context, tenantID TenantID, since time.Time) ([]CardState, error) {
	if s == nil || s.db == nil {
		return nil, newServiceError(opChangedWithin, reasonMissingDB, errMissingDatabase)
	}
	var states []CardState
	err := s.db.WithContext(ctx).
		Where(fieldTenantID+" = ? AND updated_at_ms >= ?", tenantID.String(), since.UTC().UnixMilli()).
		Order(orderByUpdatedAt).
		Find(&states).Error
	if err != nil {
		s.logError(opChangedWithin, reasonQueryFailed, err, tenantID, "")
		return nil, newServiceError(opChangedWithin, reasonQueryFailed, err)
	}
	return states, nil
}

// Now exposes the store clock so feed responses share its time base.
func (s *Store) Now() time.Time {
	return s.clock().UTC()
}

func (s *Store) takeForUpdate(tx *gorm.DB, operation string, tenantID TenantID, cardID CardID) (CardState, error) {
	var state CardState
	err := tx.Where(queryTenantCard, tenantID.String(), cardID.String()).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CardState{}, newServiceError(operation, reasonNotFound, fmt.Errorf("%w: %s", ErrCardNotFound, cardID))
	}
	if err != nil {
		s.logError(operation, reasonLookupFailed, err, tenantID, cardID)
		return CardState{}, newServiceError(operation, reasonLookupFailed, err)
	}
	return state, nil
}

// touch refreshes updated_at monotonically and bumps the version.
func (s *Store) touch(state *CardState) {
	nowMillis := s.clock().UTC().UnixMilli()
	if nowMillis <= state.UpdatedAtMillis {
		nowMillis = state.UpdatedAtMillis + 1
	}
	state.UpdatedAtMillis = nowMillis
	state.Version++
}

func applyPatch(state *CardState, patch CardPatch) {
	if patch.Status != nil {
		status, _ := ParseStatus(string(*patch.Status))
		state.Status = status
	}
	if patch.AssignedTo != nil {
		state.AssignedTo = *patch.AssignedTo
	}
	if patch.AssignedBy != nil {
		state.AssignedBy = *patch.AssignedBy
	}
	if patch.Notes != nil {
		state.Notes = *patch.Notes
	}
	if patch.SortOrder != nil {
		state.SortOrder = *patch.SortOrder
	}
	if len(patch.Extra) > 0 {
		merged := cloneExtra(state.Extra)
		if merged == nil {
			merged = datatypes.JSONMap{}
		}
		for key, value := range patch.Extra {
			if value == nil {
				delete(merged, key)
				continue
			}
			merged[key] = value
		}
		state.Extra = merged
	}
}

func cloneExtra(source map[string]any) datatypes.JSONMap {
	if len(source) == 0 {
		return nil
	}
	cloned := make(datatypes.JSONMap, len(source))
	for key, value := range source {
		cloned[key] = value
	}
	return cloned
}

func (s *Store) logError(operation, reason string, err error, tenantID TenantID, cardID CardID) {
	fields := []zap.Field{zap.String(fieldTenantID, tenantID.String())}
	if cardID != "" {
		fields = append(fields, zap.String(fieldCardID, cardID.String()))
	}
	logServiceError(s.logger, operation, reason, err, fields...)
}
