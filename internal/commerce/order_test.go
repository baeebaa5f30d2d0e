package commerce

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagsAcceptStringOrList(t *testing.T) {
	var fromString struct {
		Tags Tags `json:"tags"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tags":"VIP, 27/06/2025 ,rush,,"}`), &fromString))
	assert.Equal(t, Tags{"VIP", "27/06/2025", "rush"}, fromString.Tags)

	var fromList struct {
		Tags Tags `json:"tags"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tags":[" VIP ","27/06/2025",""]}`), &fromList))
	assert.Equal(t, Tags{"VIP", "27/06/2025"}, fromList.Tags)

	var fromNull struct {
		Tags Tags `json:"tags"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tags":null}`), &fromNull))
	assert.Empty(t, fromNull.Tags)

	var invalid struct {
		Tags Tags `json:"tags"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"tags":42}`), &invalid))
}

func TestResourceIDAcceptsNumbersAndStrings(t *testing.T) {
	var payload struct {
		Numeric ResourceID `json:"numeric"`
		Text    ResourceID `json:"text"`
		Missing ResourceID `json:"missing"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"numeric":5823412387,"text":"gid://shop/Order/7","missing":null}`), &payload))
	assert.Equal(t, ResourceID("5823412387"), payload.Numeric)
	assert.Equal(t, ResourceID("gid://shop/Order/7"), payload.Text)
	assert.Equal(t, ResourceID(""), payload.Missing)

	encoded, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"numeric":5823412387,"text":"gid://shop/Order/7","missing":null}`, string(encoded))
}

func TestOrderPreservesUnknownFields(t *testing.T) {
	raw := `{
		"id": 1001,
		"name": "#1001",
		"tags": "27/06/2025",
		"shipping_address": {"city": "Lisbon"},
		"line_items": [
			{"id": 1, "product_id": 9, "variant_id": 90, "title": "Rose Bouquet", "quantity": 1, "vendor": "Bloom"}
		]
	}`
	var order Order
	require.NoError(t, json.Unmarshal([]byte(raw), &order))
	assert.Contains(t, order.Extra, "shipping_address")
	assert.Contains(t, order.LineItems[0].Extra, "vendor")

	encoded, err := json.Marshal(order)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, map[string]any{"city": "Lisbon"}, decoded["shipping_address"])
	lineItems := decoded["line_items"].([]any)
	assert.Equal(t, "Bloom", lineItems[0].(map[string]any)["vendor"])
	assert.Equal(t, "27/06/2025", decoded["tags"])
}
