package phxredux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/trixtateam/phoenix-to-redux/storage"
)

// Keys of the persisted login details.
const (
	PhoenixSocketDomain = "PHOENIX_SOCKET_DOMAIN"
	PhoenixToken        = "PHOENIX_TOKEN"
	PhoenixAgentID      = "PHOENIX_AGENT_ID"
)

const credentialTimeout = 5 * time.Second

// CredentialStore reads and writes login details through a storage
// backend. Backend failures are logged and never returned.
type CredentialStore struct {
	backend storage.Backend
	logger  zerolog.Logger
}

// NewCredentialStore wraps backend. A nil backend keeps the details in
// memory only.
func NewCredentialStore(backend storage.Backend, logger zerolog.Logger) *CredentialStore {
	if backend == nil {
		backend = storage.NewMemory()
	}
	return &CredentialStore{
		backend: backend,
		logger:  logger.With().Str("component", "credentials").Logger(),
	}
}

// Get returns the stored value for key. Stored JSON objects and arrays are
// decoded, anything else comes back as the stored string. Missing keys and
// backend errors yield fallback.
func (c *CredentialStore) Get(key string, fallback interface{}) interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), credentialTimeout)
	defer cancel()

	raw, err := c.backend.Load(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return fallback
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to read credential")
		return fallback
	}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded interface{}
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return raw
}

// GetString returns the stored value for key as a string, or "".
func (c *CredentialStore) GetString(key string) string {
	switch v := c.Get(key, "").(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// Set stores value under key. Maps, slices and structs are JSON encoded,
// scalars are stored in their string form.
func (c *CredentialStore) Set(key string, value interface{}) {
	encoded, err := encodeCredential(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to encode credential")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), credentialTimeout)
	defer cancel()

	if err := c.backend.Save(ctx, key, encoded); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to store credential")
	}
}

func (c *CredentialStore) Remove(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), credentialTimeout)
	defer cancel()

	if err := c.backend.Delete(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to remove credential")
	}
}

// Clear removes the domain, token and agent id.
func (c *CredentialStore) Clear() {
	c.Remove(PhoenixSocketDomain)
	c.Remove(PhoenixToken)
	c.Remove(PhoenixAgentID)
}

// Close releases the backend.
func (c *CredentialStore) Close() error {
	return c.backend.Close()
}

func encodeCredential(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprintf("%v", v), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
