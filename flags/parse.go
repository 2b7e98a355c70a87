package flags

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DeleteResponse is the body of a stream "delete" message.
type DeleteResponse struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
}

// ParseStoredItems decodes a full flag snapshot, as sent by a "put" message or
// returned by a flag request. A flag without its own key takes the map key.
func ParseStoredItems(data []byte) (StoredItems, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode flag collection: %w", err)
	}
	if raw == nil {
		return nil, errors.New("decode flag collection: not an object")
	}
	items := make(StoredItems, len(raw))
	for key, body := range raw {
		var flag FeatureFlag
		if err := json.Unmarshal(body, &flag); err != nil {
			return nil, fmt.Errorf("decode flag %q: %w", key, err)
		}
		if flag.Key == "" {
			flag.Key = key
		}
		items[key] = Item(flag)
	}
	return items, nil
}

// ParseFlag decodes a single flag from a "patch" message. The key is required.
func ParseFlag(data []byte) (FeatureFlag, error) {
	var flag FeatureFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return FeatureFlag{}, fmt.Errorf("decode flag: %w", err)
	}
	if flag.Key == "" {
		return FeatureFlag{}, errors.New("decode flag: missing key")
	}
	return flag, nil
}

// ParseDelete decodes a "delete" message. Both key and version are required.
func ParseDelete(data []byte) (DeleteResponse, error) {
	var body struct {
		Key     *string `json:"key"`
		Version *int    `json:"version"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return DeleteResponse{}, fmt.Errorf("decode delete: %w", err)
	}
	if body.Key == nil || *body.Key == "" || body.Version == nil {
		return DeleteResponse{}, errors.New("decode delete: key and version are required")
	}
	return DeleteResponse{Key: *body.Key, Version: *body.Version}, nil
}
