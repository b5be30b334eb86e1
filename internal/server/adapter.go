package server

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/goobd/internal/catalog"
	"github.com/shaunagostinho/goobd/internal/ecu"
)

// NewHandler builds the handler selected by the adapter type, extending its
// catalog with the configured definition file.
func (c *Config) NewHandler(cb ecu.Callbacks) (ecu.Handler, error) {
	c.mu.RLock()
	kind, file, dtcHeader := c.Adapter.Type, c.Catalog.File, c.Adapter.DTCHeader
	c.mu.RUnlock()

	base := catalog.LegacyCatalog()
	if kind == AdapterUDS {
		base = catalog.ManufacturerCatalog()
	}
	cat := base
	if file != "" {
		var err error
		if cat, err = catalog.LoadFile(file, base); err != nil {
			return nil, err
		}
		log.Info().Str("file", file).Int("parameters", cat.Len()).Msg("catalog extended")
	}

	switch kind {
	case AdapterOBD2:
		return ecu.NewLegacyHandler(cat, cb), nil
	case AdapterUDS:
		h := ecu.NewManufacturerHandler(cat, cb)
		if dtcHeader != "" {
			h.SetDTCHeader(dtcHeader)
		}
		return h, nil
	case AdapterDemo, "":
		return ecu.NewDemoHandler(cat, cb), nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q (want obd2, uds or demo)", kind)
	}
}

// ConnectWithRetry connects h with exponential backoff. attempts == 0 keeps
// trying until ctx is cancelled.
func ConnectWithRetry(ctx context.Context, h ecu.Handler, port string, opts ecu.Options, attempts uint) error {
	return retry.Do(
		func() error {
			return h.Connect(ctx, port, opts)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Str("port", port).Msg("connect failed, retrying")
		}),
		retry.LastErrorOnly(true),
	)
}
