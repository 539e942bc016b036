package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/database"
	"github.com/taskforge/taskforge/internal/common/logger"
)

var errShortEnvelope = errors.New("encrypted envelope shorter than nonce size")

// Store provides the Executor's read-only view of encrypted credentials.
// Writes are an Admission-side concern and are out of scope here.
type Store interface {
	// GetUserApiKey returns the user's decrypted agent API key for provider,
	// falling back to the process-wide env default when the user has none
	// stored, or when decryption fails.
	GetUserApiKey(ctx context.Context, userID, provider string) (string, error)
	// GetHostAccessToken returns the user's decrypted source-control host
	// access token.
	GetHostAccessToken(ctx context.Context, userID string) (string, error)
	// GetDecryptedConnectorEnv returns the decrypted environment variable
	// map for an MCP connector.
	GetDecryptedConnectorEnv(ctx context.Context, connectorID string) (map[string]string, error)
}

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	db        *database.DB
	masterKey *MasterKeyProvider
	logger    *logger.Logger
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *database.DB, masterKey *MasterKeyProvider, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, masterKey: masterKey, logger: log}
}

// agentKeyEnvVar maps an agent provider name to the process-wide fallback
// environment variable consulted when the user has not stored their own key.
var agentKeyEnvVar = map[string]string{
	"claude":   "ANTHROPIC_API_KEY",
	"codex":    "OPENAI_API_KEY",
	"cursor":   "CURSOR_API_KEY",
	"gemini":   "GEMINI_API_KEY",
	"opencode": "OPENCODE_API_KEY",
}

// GetUserApiKey returns the user's decrypted key for provider. Precedence:
// user-stored key overrides the process-wide env default; on decryption
// failure it falls back silently to the env default rather than erroring.
func (s *PostgresStore) GetUserApiKey(ctx context.Context, userID, provider string) (string, error) {
	var encoded string
	err := s.db.QueryRow(ctx,
		`SELECT value FROM keys WHERE "userId" = $1 AND provider = $2`,
		userID, provider,
	).Scan(&encoded)

	if err == nil {
		if plaintext, decErr := s.decryptEnvelope(encoded); decErr == nil {
			return string(plaintext), nil
		} else {
			s.logger.Warn("credential decryption failed, falling back to env default",
				zap.String("provider", provider), zap.Error(decErr))
		}
	}

	return os.Getenv(agentKeyEnvVar[provider]), nil
}

// GetHostAccessToken returns the user's decrypted source-control host token.
func (s *PostgresStore) GetHostAccessToken(ctx context.Context, userID string) (string, error) {
	var encoded string
	err := s.db.QueryRow(ctx,
		`SELECT value FROM keys WHERE "userId" = $1 AND provider = 'host'`,
		userID,
	).Scan(&encoded)
	if err != nil {
		return "", nil
	}

	plaintext, decErr := s.decryptEnvelope(encoded)
	if decErr != nil {
		s.logger.Warn("host token decryption failed", zap.Error(decErr))
		return "", nil
	}
	return string(plaintext), nil
}

// GetDecryptedConnectorEnv returns the decrypted environment map for an MCP
// connector. Returns an empty map on any failure; decryption errors never
// propagate to logs as plaintext.
func (s *PostgresStore) GetDecryptedConnectorEnv(ctx context.Context, connectorID string) (map[string]string, error) {
	var encoded string
	err := s.db.QueryRow(ctx,
		`SELECT env FROM connectors WHERE id = $1`, connectorID,
	).Scan(&encoded)
	if err != nil {
		return map[string]string{}, nil
	}

	plaintext, decErr := s.decryptEnvelope(encoded)
	if decErr != nil {
		s.logger.Warn("connector env decryption failed",
			zap.String("connector_id", connectorID), zap.Error(decErr))
		return map[string]string{}, nil
	}

	var env map[string]string
	if err := json.Unmarshal(plaintext, &env); err != nil {
		s.logger.Warn("connector env payload malformed", zap.String("connector_id", connectorID))
		return map[string]string{}, nil
	}
	return env, nil
}

// decryptEnvelope decodes the base64(ciphertext || nonce) wire format and
// decrypts it with the process master key.
func (s *PostgresStore) decryptEnvelope(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, err
	}

	const nonceSize = 12 // AES-GCM standard nonce size
	if len(raw) < nonceSize {
		return nil, errShortEnvelope
	}

	ciphertext, nonce := raw[:len(raw)-nonceSize], raw[len(raw)-nonceSize:]
	return Decrypt(ciphertext, nonce, s.masterKey.Key())
}
