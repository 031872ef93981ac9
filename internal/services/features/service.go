// -----------------------------------------------------------------------
// Feature flags stored in the key/value store
// -----------------------------------------------------------------------

package features

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/interfaces"
)

const keyPrefix = "feature:"

// Flag is the value of a flag at one scope
type Flag struct {
	Name      string `json:"name"`
	ProjectID string `json:"project_id,omitempty"`
	Enabled   bool   `json:"enabled"`
}

// Service resolves feature flags. A project-scoped value overrides the global one;
// a flag that is set nowhere is disabled.
type Service struct {
	storage interfaces.KeyValueStorage
	logger  arbor.ILogger
}

// NewService creates a new feature flag service
func NewService(storage interfaces.KeyValueStorage, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		logger:  logger,
	}
}

func flagKey(flag, projectID string) string {
	if projectID == "" {
		return keyPrefix + flag
	}
	return keyPrefix + flag + ":project:" + projectID
}

// Enabled reports whether flag is on for projectID. Storage errors read as disabled.
func (s *Service) Enabled(ctx context.Context, flag string, projectID string) bool {
	if projectID != "" {
		if enabled, ok := s.lookup(ctx, flagKey(flag, projectID)); ok {
			return enabled
		}
	}
	enabled, _ := s.lookup(ctx, flagKey(flag, ""))
	return enabled
}

func (s *Service) lookup(ctx context.Context, key string) (bool, bool) {
	value, err := s.storage.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to read feature flag")
		}
		return false, false
	}

	enabled, err := strconv.ParseBool(value)
	if err != nil {
		s.logger.Warn().Str("key", key).Str("value", value).Msg("Invalid feature flag value")
		return false, false
	}
	return enabled, true
}

// Set stores the flag value globally (empty projectID) or for one project
func (s *Service) Set(ctx context.Context, flag string, projectID string, enabled bool) error {
	if flag == "" {
		return fmt.Errorf("flag cannot be empty")
	}

	key := flagKey(flag, projectID)
	if err := s.storage.Set(ctx, key, strconv.FormatBool(enabled), "feature flag"); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to store feature flag")
		return err
	}

	s.logger.Info().
		Str("flag", flag).
		Str("project_id", projectID).
		Bool("enabled", enabled).
		Msg("Feature flag updated")
	return nil
}

// Unset removes a project override, or the global value when projectID is empty
func (s *Service) Unset(ctx context.Context, flag string, projectID string) error {
	err := s.storage.Delete(ctx, flagKey(flag, projectID))
	if err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
		return err
	}
	return nil
}

// List returns every stored flag value
func (s *Service) List(ctx context.Context) ([]Flag, error) {
	pairs, err := s.storage.ListByPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature flags: %w", err)
	}

	flags := make([]Flag, 0, len(pairs))
	for _, pair := range pairs {
		enabled, err := strconv.ParseBool(pair.Value)
		if err != nil {
			continue
		}

		name := strings.TrimPrefix(pair.Key, keyPrefix)
		projectID := ""
		if i := strings.Index(name, ":project:"); i >= 0 {
			projectID = name[i+len(":project:"):]
			name = name[:i]
		}
		flags = append(flags, Flag{Name: name, ProjectID: projectID, Enabled: enabled})
	}
	return flags, nil
}

// SeedFromConfig writes the configured integration flags without overwriting values
// changed at runtime
func (s *Service) SeedFromConfig(ctx context.Context, flag string, config common.IntegrationsConfig) error {
	if _, err := s.storage.SetIfAbsent(ctx, flagKey(flag, ""), strconv.FormatBool(config.LogsCollection), "seeded from config"); err != nil {
		return fmt.Errorf("failed to seed feature flag %s: %w", flag, err)
	}

	for _, projectID := range config.LogsCollectionProjects {
		if projectID == "" {
			continue
		}
		if _, err := s.storage.SetIfAbsent(ctx, flagKey(flag, projectID), "true", "seeded from config"); err != nil {
			return fmt.Errorf("failed to seed feature flag %s for project %s: %w", flag, projectID, err)
		}
	}

	s.logger.Debug().
		Str("flag", flag).
		Bool("global", config.LogsCollection).
		Int("projects", len(config.LogsCollectionProjects)).
		Msg("Feature flags seeded from config")
	return nil
}
