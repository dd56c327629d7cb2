package handlers

import "encoding/json"

// decodePayload round-trips the generic task payload through JSON into dst.
func decodePayload(payload map[string]any, dst any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
