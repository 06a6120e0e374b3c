package cache

import (
	"context"
	"errors"
	"io"
	stdlog "log"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/olric-data/olric"
	olricconfig "github.com/olric-data/olric/config"
	"github.com/rs/zerolog/log"
)

// olricCache is the distributed backend. Embedded mode runs a local node;
// client mode joins an existing cluster.
type olricCache struct {
	db     *olric.Olric // embedded node, nil in client mode
	client olric.Client
	dmap   olric.DMap
	closed atomic.Bool
}

var _ Cache = (*olricCache)(nil)

func newOlricCache(ctx context.Context, cfg OlricConfig) (*olricCache, error) {
	dmapName := cfg.DMapName
	if dmapName == "" {
		dmapName = "keymux"
	}
	if cfg.Embedded {
		return newEmbeddedOlric(ctx, cfg, dmapName)
	}
	return newClusterOlric(ctx, cfg, dmapName)
}

func parseBindAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

func newEmbeddedOlric(ctx context.Context, cfg OlricConfig, dmapName string) (*olricCache, error) {
	c := olricconfig.New("local")
	host, port := parseBindAddr(cfg.BindAddr)
	c.BindAddr = host
	if port > 0 {
		c.BindPort = port
	}
	if len(cfg.Peers) > 0 {
		c.Peers = cfg.Peers
	}

	// Olric's own logging is too chatty for a sidecar cache.
	c.LogOutput = io.Discard
	c.Logger = stdlog.New(io.Discard, "", 0)

	ready := make(chan struct{})
	c.Started = func() { close(ready) }

	db, err := olric.New(c)
	if err != nil {
		return nil, err
	}

	startErr := make(chan error, 1)
	go func() {
		if err := db.Start(); err != nil {
			startErr <- err
		}
	}()

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	select {
	case <-ready:
	case err := <-startErr:
		return nil, err
	case <-startupCtx.Done():
		return nil, startupCtx.Err()
	}

	client := db.NewEmbeddedClient()
	dm, err := client.NewDMap(dmapName)
	if err != nil {
		if shutdownErr := db.Shutdown(context.Background()); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("olric shutdown after dmap failure")
		}
		return nil, err
	}

	log.Info().Str("bind_addr", cfg.BindAddr).Str("dmap", dmapName).Msg("olric embedded cache created")
	return &olricCache{db: db, client: client, dmap: dm}, nil
}

func newClusterOlric(ctx context.Context, cfg OlricConfig, dmapName string) (*olricCache, error) {
	client, err := olric.NewClusterClient(cfg.Addresses)
	if err != nil {
		return nil, err
	}
	dm, err := client.NewDMap(dmapName)
	if err != nil {
		if closeErr := client.Close(ctx); closeErr != nil {
			log.Error().Err(closeErr).Msg("olric client close after dmap failure")
		}
		return nil, err
	}

	log.Info().Strs("addresses", cfg.Addresses).Str("dmap", dmapName).Msg("olric cluster cache created")
	return &olricCache{client: client, dmap: dm}, nil
}

func (o *olricCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.closed.Load() {
		return nil, ErrClosed
	}

	resp, err := o.dmap.Get(ctx, key)
	if err != nil {
		if errors.Is(err, olric.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return resp.Byte()
}

func (o *olricCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.closed.Load() {
		return ErrClosed
	}
	return o.dmap.Put(ctx, key, value, olric.EX(ttl))
}

func (o *olricCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.closed.Load() {
		return ErrClosed
	}

	if _, err := o.dmap.Delete(ctx, key); err != nil && !errors.Is(err, olric.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (o *olricCache) Close() error {
	if o.closed.Swap(true) {
		return nil
	}
	ctx := context.Background()

	if o.dmap != nil {
		if err := o.dmap.Close(ctx); err != nil {
			log.Debug().Err(err).Msg("olric dmap close during shutdown")
		}
	}
	if o.db != nil {
		return o.db.Shutdown(ctx)
	}
	if o.client != nil {
		return o.client.Close(ctx)
	}
	return nil
}
