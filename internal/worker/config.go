package worker

import (
	"context"
	"sync"

	"github.com/fruitsalade/cellbridge/internal/bridge"
	"github.com/fruitsalade/cellbridge/internal/config"
	"github.com/fruitsalade/cellbridge/internal/engine"
	"github.com/fruitsalade/cellbridge/internal/storage"
	"github.com/fruitsalade/cellbridge/internal/storage/local"
	"github.com/fruitsalade/cellbridge/internal/storage/s3"
	"github.com/fruitsalade/cellbridge/pkg/cache"
	"github.com/fruitsalade/cellbridge/pkg/retry"
)

// FromConfig builds a session configuration from the loaded settings. The
// remote content cache is shared by every session created from the result.
func FromConfig(cfg *config.Config) Config {
	wc := Config{
		Engine: engine.Config{
			RowCap:        cfg.Engine.RowCap,
			MemoryLimitMB: cfg.Engine.MemoryLimitMB,
			DisplayWidth:  cfg.Engine.DisplayWidth,
			FigureWidth:   cfg.Engine.FigureWidth,
			FigureHeight:  cfg.Engine.FigureHeight,
		},
		NewLocal: func() (storage.Device, error) {
			return local.New(local.Config{
				RootPath:    cfg.Local.RootPath,
				InMemory:    cfg.Local.InMemory,
				CreateDirs:  true,
				IdleTimeout: cfg.Local.IdleTimeout,
				LockTimeout: cfg.Local.LockTimeout,
			})
		},
		RemoteMount: cfg.Remote.Mount,
	}
	if !cfg.Remote.Enabled {
		return wc
	}

	rc := s3.Config{
		Endpoint:     cfg.Remote.Endpoint,
		Bucket:       cfg.Remote.Bucket,
		Prefix:       cfg.Remote.Prefix,
		Region:       cfg.Remote.Region,
		AccessKey:    cfg.Remote.AccessKey,
		SecretKey:    cfg.Remote.SecretKey,
		UsePathStyle: cfg.Remote.UsePathStyle,
	}
	sharedCache := sync.OnceValues(func() (*cache.Cache, error) {
		if cfg.Cache.Dir == "" {
			return cache.NewMemory(cfg.Cache.MaxSize)
		}
		return cache.NewDir(cfg.Cache.Dir, cfg.Cache.MaxSize)
	})
	wc.NewRemote = func(ctx context.Context) (storage.Device, error) {
		c, err := sharedCache()
		if err != nil {
			return nil, err
		}
		client, err := s3.NewClient(ctx, rc)
		if err != nil {
			return nil, err
		}
		return s3.New(s3.Options{
			Config: rc,
			Client: client,
			Cache:  c,
			Bridge: bridge.Config{
				Enabled:    cfg.Bridge.Enabled,
				BufferSize: cfg.Bridge.BufferSize,
				Timeout:    cfg.Bridge.Timeout,
			},
			BridgeClient: func() (s3.ObjectClient, error) {
				return s3.NewClient(context.Background(), rc)
			},
			Retry: retry.DefaultConfig(),
		})
	}
	return wc
}
