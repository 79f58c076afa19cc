package config

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/goombaio/namegenerator"

	"github.com/hearthkit/hearthsync/internal/loggy"
	"github.com/hearthkit/hearthsync/internal/ulid"
)

// Settings keys for values that live in the database rather than the env
const (
	SettingDeviceID    = "device.id"
	SettingDeviceName  = "device.name"
	SettingServerToken = "server.token"
)

// Settings represents a persistent setting in the database
type Settings struct {
	ID        string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SettingsRepository defines operations for managing settings in the database
type SettingsRepository interface {
	// GetSetting retrieves a setting by key, returning "" when absent
	GetSetting(ctx context.Context, key string) (string, error)

	// SetSetting sets a setting value
	SetSetting(ctx context.Context, key, value string) error

	// DeleteSetting deletes a setting
	DeleteSetting(ctx context.Context, key string) error
}

// SQLSettingsRepository implements SettingsRepository using a SQL database
type SQLSettingsRepository struct {
	db     *sql.DB
	logger *loggy.Logger
}

// NewSQLSettingsRepository creates a new SQL settings repository
func NewSQLSettingsRepository(db *sql.DB, logger *loggy.Logger) SettingsRepository {
	return &SQLSettingsRepository{
		db:     db,
		logger: logger,
	}
}

// GetSetting retrieves a setting by key
func (r *SQLSettingsRepository) GetSetting(ctx context.Context, key string) (string, error) {
	q := squirrel.Select("value").
		From("settings").
		Where(squirrel.Eq{"key": key}).
		Limit(1)

	query, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("building get setting query: %w", err)
	}

	var value string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("executing get setting query: %w", err)
	}

	// Decode if it's a token
	if key == SettingServerToken && value != "" {
		return deobfuscateToken(value)
	}

	return value, nil
}

// SetSetting sets a setting value, inserting or updating as needed
func (r *SQLSettingsRepository) SetSetting(ctx context.Context, key, value string) error {
	if key == SettingServerToken && value != "" {
		value = obfuscateToken(value)
	}

	now := time.Now()

	q := squirrel.Insert("settings").
		Columns("id", "key", "value", "created_at", "updated_at").
		Values(ulid.SettingID(), key, value, now, now).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at")

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building set setting query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing set setting query: %w", err)
	}

	return nil
}

// DeleteSetting deletes a setting
func (r *SQLSettingsRepository) DeleteSetting(ctx context.Context, key string) error {
	q := squirrel.Delete("settings").Where(squirrel.Eq{"key": key})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building delete setting query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing delete setting query: %w", err)
	}

	return nil
}

// SettingsService provides operations for managing persistent settings,
// including the stable device identity used to attribute sync operations
type SettingsService struct {
	repo   SettingsRepository
	config *Config
	logger *loggy.Logger
}

// NewSettingsService creates a new settings service
func NewSettingsService(db *sql.DB, config *Config, logger *loggy.Logger) *SettingsService {
	return &SettingsService{
		repo:   NewSQLSettingsRepository(db, logger),
		config: config,
		logger: logger,
	}
}

// GetSetting retrieves a setting by key
func (s *SettingsService) GetSetting(ctx context.Context, key string) (string, error) {
	return s.repo.GetSetting(ctx, key)
}

// SetSetting sets a setting value
func (s *SettingsService) SetSetting(ctx context.Context, key, value string) error {
	return s.repo.SetSetting(ctx, key, value)
}

// SetToken stores the backend token and mirrors it into the live config
func (s *SettingsService) SetToken(ctx context.Context, token string) error {
	s.config.Server.Token = token
	return s.repo.SetSetting(ctx, SettingServerToken, token)
}

// LoadServerSettings overlays database-stored server settings onto the config.
// Env values win for the token so a CI override stays possible.
func (s *SettingsService) LoadServerSettings(ctx context.Context) error {
	if s.config.Server.Token == "" {
		token, err := s.repo.GetSetting(ctx, SettingServerToken)
		if err != nil {
			return fmt.Errorf("loading server token: %w", err)
		}
		s.config.Server.Token = token
	}

	if s.config.Server.DeviceName == "" {
		name, err := s.repo.GetSetting(ctx, SettingDeviceName)
		if err != nil {
			return fmt.Errorf("loading device name: %w", err)
		}
		s.config.Server.DeviceName = name
	}

	return nil
}

// DeviceIdentity returns the stable device ID and friendly name for this
// installation, creating and persisting them on first use
func (s *SettingsService) DeviceIdentity(ctx context.Context) (id, name string, err error) {
	id, err = s.repo.GetSetting(ctx, SettingDeviceID)
	if err != nil {
		return "", "", fmt.Errorf("loading device id: %w", err)
	}

	if id == "" {
		id = ulid.DeviceID()
		if err := s.repo.SetSetting(ctx, SettingDeviceID, id); err != nil {
			return "", "", fmt.Errorf("persisting device id: %w", err)
		}
		s.logger.Info("Generated device identity", "device_id", id)
	}

	name = s.config.Server.DeviceName
	if name == "" {
		name, err = s.repo.GetSetting(ctx, SettingDeviceName)
		if err != nil {
			return "", "", fmt.Errorf("loading device name: %w", err)
		}
	}

	if name == "" {
		name = generateDeviceName()
		if err := s.repo.SetSetting(ctx, SettingDeviceName, name); err != nil {
			return "", "", fmt.Errorf("persisting device name: %w", err)
		}
		s.config.Server.DeviceName = name
		s.logger.Info("Generated device name", "device_name", name)
	}

	return id, name, nil
}

// generateDeviceName creates a random, memorable device name
func generateDeviceName() string {
	seed := time.Now().UTC().UnixNano()
	name := namegenerator.NewNameGenerator(seed).Generate()

	// Some names might have underscores; convert to hyphens for consistency
	return strings.ReplaceAll(name, "_", "-")
}

// obfuscateToken encodes a token for storage. This is obfuscation, not
// encryption: it keeps tokens out of casual database dumps only.
func obfuscateToken(token string) string {
	return base64.StdEncoding.EncodeToString([]byte(token))
}

// deobfuscateToken decodes a stored token
func deobfuscateToken(value string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("decoding stored token: %w", err)
	}
	return string(decoded), nil
}
