package intent

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

// RegisterTableParams are the inputs of RegisterTable.
type RegisterTableParams struct {
	Name      string
	AppToken  string
	TableID   string
	Fields    types.FieldMap
	IsDefault bool
}

// RegisterTable adds or updates a table registry entry. An empty field
// map falls back to the bootstrap column names.
func (s *Service) RegisterTable(ctx context.Context, p RegisterTableParams) (string, error) {
	entry := &types.TableEntry{
		ID:        types.NewTableEntryID(),
		Name:      p.Name,
		AppToken:  p.AppToken,
		TableID:   p.TableID,
		Fields:    p.Fields,
		IsDefault: p.IsDefault,
	}
	if entry.Fields.Title == "" && entry.Fields.Status == "" {
		entry.Fields = types.DefaultFieldMap()
	}
	if err := entry.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if existing, err := tx.GetTableByName(ctx, entry.Name); err == nil {
			entry.ID = existing.ID
			entry.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return tx.UpsertTable(ctx, entry)
	})
	if err != nil {
		return "", err
	}
	s.log.Info().Str("table", entry.Name).Str("table_id", entry.TableID).Msg("table registered")
	return entry.ID, nil
}

// registryFile is the YAML import shape: a list of table entries.
type registryFile struct {
	Tables []types.TableEntry `yaml:"tables"`
}

// ImportTables loads table entries from YAML and registers each. The
// whole file applies or none of it does.
func (s *Service) ImportTables(ctx context.Context, data []byte) (int, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("%w: unparseable registry file: %v", ErrValidation, err)
	}
	if len(file.Tables) == 0 {
		return 0, fmt.Errorf("%w: registry file lists no tables", ErrValidation)
	}

	defaults := 0
	for i := range file.Tables {
		entry := &file.Tables[i]
		if entry.Fields.Title == "" && entry.Fields.Status == "" {
			entry.Fields = types.DefaultFieldMap()
		}
		if err := entry.Validate(); err != nil {
			return 0, fmt.Errorf("%w: table %d: %v", ErrValidation, i, err)
		}
		if entry.IsDefault {
			defaults++
		}
	}
	if defaults > 1 {
		return 0, fmt.Errorf("%w: registry file marks %d tables as default", ErrValidation, defaults)
	}

	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for i := range file.Tables {
			entry := &file.Tables[i]
			entry.ID = types.NewTableEntryID()
			if existing, err := tx.GetTableByName(ctx, entry.Name); err == nil {
				entry.ID = existing.ID
				entry.CreatedAt = existing.CreatedAt
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if err := tx.UpsertTable(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(file.Tables), nil
}

// ListTables returns all registry entries.
func (s *Service) ListTables(ctx context.Context) ([]*types.TableEntry, error) {
	return s.store.ListTables(ctx)
}
