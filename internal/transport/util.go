// Copyright 2025 James Ross
package transport

import (
	"encoding/json"

	"github.com/google/uuid"
)

func unmarshalJSON(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

func newSessionID() string {
	return uuid.NewString()
}
