// Package seed imports declarative channel definitions from a JSON file
// into the store: new ids are created, known ids have their configuration
// updated. Combined with the config file watcher this gives operators a
// GitOps-style path for channel provisioning beside the REST surface.
package seed

import (
	"context"
	"encoding/json"
	"os"

	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
	"github.com/streamforge/supervisor/internal/log"
	"github.com/streamforge/supervisor/internal/platform/fs"
)

// Store is the persistence slice the importer needs.
type Store interface {
	GetChannel(ctx context.Context, id string) (model.Channel, error)
	CreateChannel(ctx context.Context, ch model.Channel) (model.Channel, error)
	UpdateChannel(ctx context.Context, ch model.Channel) (model.Channel, error)
}

// ImportFile loads the JSON channel list at path and upserts every entry.
// Entries without an id are always created. Returns how many channels were
// created and updated; per-entry failures are logged and skipped.
func ImportFile(ctx context.Context, st Store, path string) (created, updated int, err error) {
	// The path typically comes from an env var and is re-read on watcher
	// events; refuse directories, devices, and dangling entries up front.
	if err := fs.IsRegularFile(path); err != nil {
		return 0, 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}

	var channels []model.Channel
	if err := json.Unmarshal(data, &channels); err != nil {
		return 0, 0, errors.New(errors.Validation, "decoding channel seed file", err)
	}

	logger := log.WithComponent("seed")
	for _, ch := range channels {
		if ch.ID != "" {
			if _, gerr := st.GetChannel(ctx, ch.ID); gerr == nil {
				if _, uerr := st.UpdateChannel(ctx, ch); uerr != nil {
					logger.Warn().Err(uerr).Str("channel_id", ch.ID).Msg("seed update failed")
					continue
				}
				updated++
				continue
			} else if !errors.Is(gerr, errors.NotFound) {
				logger.Warn().Err(gerr).Str("channel_id", ch.ID).Msg("seed lookup failed")
				continue
			}
		}
		if _, cerr := st.CreateChannel(ctx, ch); cerr != nil {
			logger.Warn().Err(cerr).Str("name", ch.Name).Msg("seed create failed")
			continue
		}
		created++
	}

	logger.Info().Int("created", created).Int("updated", updated).Str("path", path).Msg("channel seed imported")
	return created, updated, nil
}
