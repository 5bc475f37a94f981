package phxredux

import (
	"errors"

	"github.com/tidwall/gjson"
)

var (
	// ErrNoDomain means the requested domain formats to an empty endpoint.
	ErrNoDomain = errors.New("phoenix: no socket domain")

	// ErrNoSocket means an intent needed a live socket and there was none.
	ErrNoSocket = errors.New("phoenix: no socket")
)

const unauthorizedReason = "unauthorized"

// isUnauthorized reports whether a join error payload has reason
// "unauthorized". Payloads may arrive decoded or as raw JSON.
func isUnauthorized(payload interface{}) bool {
	switch v := payload.(type) {
	case map[string]interface{}:
		reason, _ := v["reason"].(string)
		return reason == unauthorizedReason
	case string:
		return gjson.Get(v, "reason").String() == unauthorizedReason
	case []byte:
		return gjson.GetBytes(v, "reason").String() == unauthorizedReason
	default:
		return false
	}
}
