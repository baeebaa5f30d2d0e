package cards

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/commerce"
)

// DefaultAddOnCategory is the label category that marks supplementary items.
const DefaultAddOnCategory = "Add-On"

// ErrInvalidAddOnPolicy indicates an unknown add-on attachment policy.
var ErrInvalidAddOnPolicy = errors.New("cards: invalid add-on policy")

// AddOnPolicy decides which primary cards of an order receive the order's add-ons.
type AddOnPolicy string

const (
	// AddOnPolicyAttachAll attaches every add-on to every primary card of the order.
	AddOnPolicyAttachAll AddOnPolicy = "attach_all"
	// AddOnPolicyAttachFirstPrimary attaches add-ons only to the cards of the first primary line item.
	AddOnPolicyAttachFirstPrimary AddOnPolicy = "attach_first_primary"
)

// ParseAddOnPolicy validates a policy name; empty selects AddOnPolicyAttachAll.
func ParseAddOnPolicy(rawInput string) (AddOnPolicy, error) {
	switch AddOnPolicy(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", AddOnPolicyAttachAll:
		return AddOnPolicyAttachAll, nil
	case AddOnPolicyAttachFirstPrimary:
		return AddOnPolicyAttachFirstPrimary, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAddOnPolicy, rawInput)
	}
}

// AddOn is a supplementary item carried by a primary card.
type AddOn struct {
	Title     string `json:"title"`
	ProductID string `json:"productId,omitempty"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity"`
}

// QuantityPosition locates a card among the units of its line item (1 of 3, ...).
type QuantityPosition struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// CardDefinition is the immutable description of a card, recomputed from the
// upstream order on every fetch and never persisted on its own.
type CardDefinition struct {
	CardID              CardID           `json:"cardId"`
	TenantID            TenantID         `json:"tenantId"`
	OrderID             string           `json:"orderId"`
	OrderName           string           `json:"orderName"`
	DeliveryDate        string           `json:"deliveryDate"`
	PrimaryProductTitle string           `json:"primaryProductTitle"`
	ProductID           string           `json:"productId,omitempty"`
	VariantID           string           `json:"variantId,omitempty"`
	QuantityPosition    QuantityPosition `json:"quantityPosition"`
	AddOns              []AddOn          `json:"addOns"`
	RawLineItem         json.RawMessage  `json:"rawLineItem,omitempty"`
}

type labelKey struct {
	productID string
	variantID string
}

// LabelCatalog resolves (product, variant) pairs to label categories. Build
// it once per classification call.
type LabelCatalog struct {
	addOnCategory string
	byVariant     map[labelKey]Label
	byProduct     map[string]Label
}

// NewLabelCatalog indexes the tenant labels. Variant specific labels win over
// product wide ones.
func NewLabelCatalog(labels []Label, addOnCategory string) LabelCatalog {
	category := strings.TrimSpace(addOnCategory)
	if category == "" {
		category = DefaultAddOnCategory
	}
	catalog := LabelCatalog{
		addOnCategory: category,
		byVariant:     make(map[labelKey]Label, len(labels)),
		byProduct:     make(map[string]Label),
	}
	for _, label := range labels {
		productID := strings.TrimSpace(label.ProductID)
		if productID == "" {
			continue
		}
		variantID := strings.TrimSpace(label.VariantID)
		if variantID == "" {
			catalog.byProduct[productID] = label
			continue
		}
		catalog.byVariant[labelKey{productID: productID, variantID: variantID}] = label
	}
	return catalog
}

// Lookup returns the label mapped to the pair, if any.
func (catalog LabelCatalog) Lookup(productID, variantID string) (Label, bool) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Label{}, false
	}
	if label, ok := catalog.byVariant[labelKey{productID: productID, variantID: strings.TrimSpace(variantID)}]; ok {
		return label, true
	}
	label, ok := catalog.byProduct[productID]
	return label, ok
}

// IsAddOn reports whether the pair maps to the add-on category. Unknown items
// are primary so missing label data never hides work.
func (catalog LabelCatalog) IsAddOn(productID, variantID string) bool {
	label, ok := catalog.Lookup(productID, variantID)
	if !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(label.Category), catalog.addOnCategory)
}

// Classifier expands orders into card definitions.
type Classifier struct {
	policy AddOnPolicy
}

// NewClassifier returns a classifier using the provided add-on policy.
func NewClassifier(policy AddOnPolicy) *Classifier {
	if policy == "" {
		policy = AddOnPolicyAttachAll
	}
	return &Classifier{policy: policy}
}

// Policy returns the configured add-on policy.
func (c *Classifier) Policy() AddOnPolicy {
	return c.policy
}

type primaryLine struct {
	position int
	item     commerce.LineItem
}

// ClassifyOrder partitions line items into primary and add-on sets and emits
// one definition per primary unit, in line item then unit order. Orders without
// a delivery date tag, or without primary items, yield no cards.
func (c *Classifier) ClassifyOrder(tenantID TenantID, order commerce.Order, catalog LabelCatalog) []CardDefinition {
	deliveryDate, ok := ExtractDeliveryDate(order.Tags)
	if !ok {
		return nil
	}

	var primaries []primaryLine
	var addOns []AddOn
	for position, item := range order.LineItems {
		if catalog.IsAddOn(item.ProductID.String(), item.VariantID.String()) {
			addOns = append(addOns, AddOn{
				Title:     item.Title,
				ProductID: item.ProductID.String(),
				VariantID: item.VariantID.String(),
				Quantity:  item.Quantity,
			})
			continue
		}
		primaries = append(primaries, primaryLine{position: position, item: item})
	}

	definitions := make([]CardDefinition, 0)
	firstPrimaryWithUnits := true
	for _, primary := range primaries {
		quantity := primary.item.Quantity
		if quantity <= 0 {
			continue
		}
		attached := c.addOnsFor(addOns, firstPrimaryWithUnits)
		firstPrimaryWithUnits = false

		rawLineItem, err := json.Marshal(primary.item)
		if err != nil {
			rawLineItem = nil
		}
		lineItemID := strings.TrimSpace(primary.item.ID.String())
		for unit := 0; unit < quantity; unit++ {
			cardID := NewCardID(order.ID.String(), lineItemID, unit)
			if lineItemID == "" {
				cardID = NewPositionalCardID(order.ID.String(), primary.position, unit)
			}
			definitions = append(definitions, CardDefinition{
				CardID:              cardID,
				TenantID:            tenantID,
				OrderID:             order.ID.String(),
				OrderName:           order.Name,
				DeliveryDate:        deliveryDate,
				PrimaryProductTitle: primary.item.Title,
				ProductID:           primary.item.ProductID.String(),
				VariantID:           primary.item.VariantID.String(),
				QuantityPosition:    QuantityPosition{Index: unit + 1, Total: quantity},
				AddOns:              attached,
				RawLineItem:         rawLineItem,
			})
		}
	}
	return definitions
}

func (c *Classifier) addOnsFor(addOns []AddOn, isFirstPrimary bool) []AddOn {
	if c.policy == AddOnPolicyAttachFirstPrimary && !isFirstPrimary {
		return []AddOn{}
	}
	attached := make([]AddOn, len(addOns))
	copy(attached, addOns)
	return attached
}
