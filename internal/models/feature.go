package models

import "encoding/json"

// Feature is one stored placemark row in kmz_features.
type Feature struct {
	KMZID       int64           `json:"kmz_id"`
	FeatureID   *string         `json:"feature_id,omitempty"`
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Type        *string         `json:"placemark_type,omitempty"`
	Geometry    json.RawMessage `json:"geometry"`
	Properties  map[string]any  `json:"properties"`

	// Style is reserved; nothing writes it yet.
	Style map[string]any `json:"style,omitempty"`
}
