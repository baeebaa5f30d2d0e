package commerce

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ResourceID is an upstream identifier. The API emits numbers, webhooks and
// GraphQL bridges emit strings; both decode to the same opaque value.
type ResourceID string

// String returns the identifier text.
func (id ResourceID) String() string {
	return string(id)
}

// UnmarshalJSON accepts JSON numbers, strings, and null.
func (id *ResourceID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*id = ResourceID(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("commerce: invalid resource id %s: %w", trimmed, err)
	}
	*id = ResourceID(number.String())
	return nil
}

// MarshalJSON emits numeric identifiers as numbers so payloads keep their upstream shape.
func (id ResourceID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if isDigits(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Tags is the order tag set. Upstream sends a single comma separated string;
// some callers send an array.
type Tags []string

// SplitTags normalizes a comma separated tag string.
func SplitTags(raw string) Tags {
	parts := strings.Split(raw, ",")
	tags := make(Tags, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}

// UnmarshalJSON accepts a string, an array of strings, or null.
func (t *Tags) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*t = nil
		return nil
	}
	if trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		*t = SplitTags(raw)
		return nil
	}
	var values []string
	if err := json.Unmarshal(trimmed, &values); err != nil {
		return fmt.Errorf("commerce: tags must be a string or list: %w", err)
	}
	tags := make(Tags, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	*t = tags
	return nil
}

// MarshalJSON re-emits the upstream comma separated form.
func (t Tags) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.Join(t, ", "))
}

// Property is a custom line item attribute (gift message, ribbon colour, ...).
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LineItem is a single order line. Fields the engine does not read are kept in
// Extra so the raw item survives a decode/encode cycle.
type LineItem struct {
	ID           ResourceID                 `json:"id"`
	ProductID    ResourceID                 `json:"product_id"`
	VariantID    ResourceID                 `json:"variant_id"`
	Title        string                     `json:"title"`
	VariantTitle string                     `json:"variant_title,omitempty"`
	SKU          string                     `json:"sku,omitempty"`
	Quantity     int                        `json:"quantity"`
	Properties   []Property                 `json:"properties,omitempty"`
	Extra        map[string]json.RawMessage `json:"-"`
}

type lineItemFields LineItem

var lineItemKnownKeys = map[string]struct{}{
	"id": {}, "product_id": {}, "variant_id": {}, "title": {}, "variant_title": {},
	"sku": {}, "quantity": {}, "properties": {},
}

// UnmarshalJSON decodes known fields and captures the rest.
func (item *LineItem) UnmarshalJSON(data []byte) error {
	var fields lineItemFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := captureExtra(data, lineItemKnownKeys)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*item = LineItem(fields)
	return nil
}

// MarshalJSON encodes known fields merged with captured extras.
func (item LineItem) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(lineItemFields(item))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, item.Extra)
}

// Order is the subset of an upstream order the engine reads, plus an extras bag.
type Order struct {
	ID                ResourceID                 `json:"id"`
	Name              string                     `json:"name"`
	Email             string                     `json:"email,omitempty"`
	CreatedAt         string                     `json:"created_at,omitempty"`
	FinancialStatus   string                     `json:"financial_status,omitempty"`
	FulfillmentStatus string                     `json:"fulfillment_status,omitempty"`
	Note              string                     `json:"note,omitempty"`
	Tags              Tags                       `json:"tags"`
	LineItems         []LineItem                 `json:"line_items"`
	Extra             map[string]json.RawMessage `json:"-"`
}

type orderFields Order

var orderKnownKeys = map[string]struct{}{
	"id": {}, "name": {}, "email": {}, "created_at": {}, "financial_status": {},
	"fulfillment_status": {}, "note": {}, "tags": {}, "line_items": {},
}

// UnmarshalJSON decodes known fields and captures the rest.
func (order *Order) UnmarshalJSON(data []byte) error {
	var fields orderFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := captureExtra(data, orderKnownKeys)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*order = Order(fields)
	return nil
}

// MarshalJSON encodes known fields merged with captured extras.
func (order Order) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(orderFields(order))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, order.Extra)
}

func captureExtra(data []byte, known map[string]struct{}) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for key, value := range all {
		if _, ok := known[key]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = value
	}
	return extra, nil
}

func mergeExtra(encoded []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return encoded, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &merged); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if _, exists := merged[key]; exists {
			continue
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}
