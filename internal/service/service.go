// Package service implements the targeting operations: reporting per-user
// allow-list membership and mutating a flag's allow-list, gated by the
// permission oracle.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/garage-demos/flags-api/internal/oracle"
	"github.com/garage-demos/flags-api/internal/store"
	"github.com/garage-demos/flags-api/internal/targeting"
)

var (
	// ErrValidation marks a request with missing or empty fields.
	ErrValidation = errors.New("invalid request")

	// ErrPermissionDenied marks an attempt to mutate a flag that is not in
	// the current editable set.
	ErrPermissionDenied = errors.New("flag is not editable")

	// ErrNotFound marks a flag key absent from the document.
	ErrNotFound = errors.New("flag not found")
)

// UpdateResult echoes a successful mutation plus the resulting allow-list.
type UpdateResult struct {
	Success bool     `json:"success"`
	UserID  string   `json:"userId"`
	Enabled bool     `json:"enabled"`
	UserIDs []string `json:"userIds"`
}

// Service coordinates the document store and the permission oracle.
type Service struct {
	store store.DocumentStore
	perms oracle.PermissionSource
	log   *slog.Logger

	onUpdate   func(result string)
	onEditable func(count int)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithUpdateMetrics registers hooks invoked after each SetTargeting attempt
// ("enabled", "disabled", "denied", "error") and after each editable-set
// fetch (with the set size).
func WithUpdateMetrics(onUpdate func(result string), onEditable func(count int)) Option {
	return func(s *Service) {
		if onUpdate != nil {
			s.onUpdate = onUpdate
		}
		if onEditable != nil {
			s.onEditable = onEditable
		}
	}
}

// New creates a Service over the given store and permission source.
func New(docs store.DocumentStore, perms oracle.PermissionSource, opts ...Option) (*Service, error) {
	if docs == nil {
		return nil, errors.New("document store is nil")
	}
	if perms == nil {
		return nil, errors.New("permission source is nil")
	}

	s := &Service{
		store:      docs,
		perms:      perms,
		log:        slog.Default(),
		onUpdate:   func(string) {},
		onEditable: func(int) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetTargetingStates reports, for each currently editable flag, whether
// userID is on that flag's allow-list. Flags missing from the document or
// carrying a rule shape this service does not understand are omitted rather
// than failing the whole read. The result is empty when no flag is editable.
func (s *Service) GetTargetingStates(ctx context.Context, userID string) (map[string]bool, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}

	editable := s.perms.EditableFlags(ctx)
	s.onEditable(len(editable))

	states := make(map[string]bool, len(editable))
	if len(editable) == 0 {
		return states, nil
	}

	err := s.store.View(ctx, func(doc *targeting.Document) error {
		for _, key := range editable {
			flag, ok := doc.Flags[key]
			if !ok || flag.Targeting == nil {
				continue
			}
			member, err := flag.Targeting.Contains(userID)
			if err != nil {
				// Not every flag carries the allow-list shape.
				continue
			}
			states[key] = member
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return states, nil
}

// SetTargeting adds userID to (enabled) or removes it from (disabled) the
// allow-list of flagKey, then persists the document. The permission check
// happens before any file access; the read-mutate-write sequence itself is
// serialised by the store.
func (s *Service) SetTargeting(ctx context.Context, userID, flagKey string, enabled bool) (UpdateResult, error) {
	if strings.TrimSpace(userID) == "" {
		return UpdateResult{}, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if strings.TrimSpace(flagKey) == "" {
		return UpdateResult{}, fmt.Errorf("%w: flagKey is required", ErrValidation)
	}

	editable := s.perms.EditableFlags(ctx)
	s.onEditable(len(editable))
	if !slices.Contains(editable, flagKey) {
		s.onUpdate("denied")
		return UpdateResult{}, fmt.Errorf("%w: %s", ErrPermissionDenied, flagKey)
	}

	var result UpdateResult
	err := s.store.Update(ctx, func(doc *targeting.Document) error {
		flag, ok := doc.Flags[flagKey]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, flagKey)
		}
		if flag.Targeting == nil {
			return fmt.Errorf("%w: flag %q has no targeting rule", targeting.ErrMalformedRule, flagKey)
		}

		userIDs, err := flag.Targeting.SetMembership(userID, enabled)
		if err != nil {
			return err
		}
		doc.Flags[flagKey] = flag

		result = UpdateResult{
			Success: true,
			UserID:  userID,
			Enabled: enabled,
			UserIDs: userIDs,
		}
		return nil
	})
	if err != nil {
		s.onUpdate("error")
		return UpdateResult{}, err
	}

	if enabled {
		s.onUpdate("enabled")
	} else {
		s.onUpdate("disabled")
	}
	s.log.InfoContext(ctx, "flag targeting updated",
		"flagKey", flagKey, "userId", userID, "enabled", enabled)

	return result, nil
}
