package persistence

import "encoding/json"

// encodeMap serializes a metadata / structured-output map to JSON.
// Nil maps encode to nil so the column stays NULL.
func encodeMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// decodeMap is the inverse of encodeMap; empty payloads decode to nil.
func decodeMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
