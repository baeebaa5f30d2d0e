package cards

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTenantID indicates that a tenant identifier is empty or exceeds storage bounds.
	ErrInvalidTenantID = errors.New("cards: invalid tenant id")
	// ErrInvalidCardID indicates that a card identifier is empty or exceeds storage bounds.
	ErrInvalidCardID = errors.New("cards: invalid card id")
	// ErrInvalidStatus indicates a status outside unassigned/assigned/completed.
	ErrInvalidStatus = errors.New("cards: invalid status")
	// ErrInvalidDeliveryDate indicates a delivery date that is not DD/MM/YYYY shaped.
	ErrInvalidDeliveryDate = errors.New("cards: invalid delivery date")
)

// TenantID represents a validated tenant identifier.
type TenantID string

// NewTenantID validates raw input and returns a TenantID.
func NewTenantID(rawInput string) (TenantID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTenantID, maxIdentifierLength)
	}
	return TenantID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TenantID) String() string {
	return string(id)
}

// CardID is the opaque, stable identity of one unit of one primary line item.
type CardID string

const (
	cardIDSeparator      = "-"
	positionalLinePrefix = "%L"
)

// cardIDSegmentEscaper keeps separators out of upstream identifiers so that
// distinct (order, line item, unit) triples never join to the same CardID.
// Numeric identifiers pass through unchanged.
var cardIDSegmentEscaper = strings.NewReplacer("%", "%25", cardIDSeparator, "%2D")

// NewCardID derives the card identity from the order, the line item and the
// zero based unit index. The same inputs always produce the same identifier.
func NewCardID(orderID, lineItemID string, unitIndex int) CardID {
	return joinCardID(orderID, escapeCardIDSegment(lineItemID), unitIndex)
}

// NewPositionalCardID identifies a unit of a line item that carries no
// upstream id by the item's position in the order. Escaped identifiers never
// start with "%L", so these cannot collide with NewCardID results.
func NewPositionalCardID(orderID string, position, unitIndex int) CardID {
	return joinCardID(orderID, positionalLinePrefix+strconv.Itoa(position), unitIndex)
}

func joinCardID(orderID, lineSegment string, unitIndex int) CardID {
	return CardID(escapeCardIDSegment(orderID) + cardIDSeparator + lineSegment + cardIDSeparator + strconv.Itoa(unitIndex))
}

func escapeCardIDSegment(raw string) string {
	return cardIDSegmentEscaper.Replace(strings.TrimSpace(raw))
}

// ParseCardID validates a client supplied card identifier.
func ParseCardID(rawInput string) (CardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCardID, maxIdentifierLength)
	}
	return CardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CardID) String() string {
	return string(id)
}

// Status is the fulfillment state of a card.
type Status string

const (
	StatusUnassigned Status = "unassigned"
	StatusAssigned   Status = "assigned"
	StatusCompleted  Status = "completed"
)

// ParseStatus normalizes and validates a status value.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StatusUnassigned:
		return StatusUnassigned, nil
	case StatusAssigned:
		return StatusAssigned, nil
	case StatusCompleted:
		return StatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// CardState is the mutable, persisted record for a card. Exactly one row
// exists per (tenant, card).
type CardState struct {
	TenantID        string            `gorm:"column:tenant_id;primaryKey;size:190;not null;index:idx_card_states_tenant_date,priority:1;index:idx_card_states_tenant_updated,priority:1"`
	CardID          string            `gorm:"column:card_id;primaryKey;size:190;not null"`
	DeliveryDate    string            `gorm:"column:delivery_date;size:10;not null;index:idx_card_states_tenant_date,priority:2"`
	Status          Status            `gorm:"column:status;size:16;not null;default:unassigned"`
	AssignedTo      string            `gorm:"column:assigned_to;size:190;not null;default:''"`
	AssignedBy      string            `gorm:"column:assigned_by;size:190;not null;default:''"`
	Notes           string            `gorm:"column:notes;type:text;not null;default:''"`
	SortOrder       int               `gorm:"column:sort_order;not null;default:0;index:idx_card_states_tenant_date,priority:3"`
	Version         int64             `gorm:"column:version;not null;default:1"`
	CreatedAtMillis int64             `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64             `gorm:"column:updated_at_ms;not null;index:idx_card_states_tenant_updated,priority:2"`
	Extra           datatypes.JSONMap `gorm:"column:extra_json"`
}

// TableName provides the explicit table binding for GORM.
func (CardState) TableName() string {
	return "card_states"
}

// UpdatedAt returns the last mutation time.
func (state CardState) UpdatedAt() time.Time {
	return time.UnixMilli(state.UpdatedAtMillis).UTC()
}

// CreatedAt returns the time the row was first observed.
func (state CardState) CreatedAt() time.Time {
	return time.UnixMilli(state.CreatedAtMillis).UTC()
}

// Label maps a product (optionally a single variant) to a tenant category.
// An empty VariantID applies to every variant of the product.
type Label struct {
	TenantID  string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	ProductID string `gorm:"column:product_id;primaryKey;size:190;not null"`
	VariantID string `gorm:"column:variant_id;primaryKey;size:190;not null;default:''"`
	Category  string `gorm:"column:category;size:190;not null"`
	Name      string `gorm:"column:name;size:320;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Label) TableName() string {
	return "labels"
}

// CardConfiguration stores the tenant's display field descriptors verbatim.
type CardConfiguration struct {
	TenantID        string         `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	FieldsJSON      datatypes.JSON `gorm:"column:fields_json;not null"`
	UpdatedAtMillis int64          `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CardConfiguration) TableName() string {
	return "card_configurations"
}
