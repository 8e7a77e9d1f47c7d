package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/rfratto/rfs/internal/rfs/remote"
)

// daemon hands out handlers for links. Each link is served through a
// LazyHandler so a config reload can swap the volume out from under live
// links.
type daemon struct {
	log log.Logger

	mut   sync.Mutex
	cfg   Config
	links map[*link]struct{}
}

func newDaemon(l log.Logger, cfg Config) *daemon {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &daemon{
		log:   l,
		cfg:   cfg,
		links: make(map[*link]struct{}),
	}
}

type link struct {
	remote.LazyHandler
	d *daemon
}

func (lk *link) Close() error {
	lk.d.mut.Lock()
	delete(lk.d.links, lk)
	lk.d.mut.Unlock()
	return lk.LazyHandler.Close()
}

// volumeHandler creates the handler for the volume described by cfg.
func (d *daemon) volumeHandler(cfg Config) (remote.Handler, error) {
	root, err := homedir.Expand(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("invalid root %q: %w", cfg.Root, err)
	}
	return remote.Passthrough(log.With(d.log, "volume", cfg.Volume), root, cfg.Volume), nil
}

// NewHandler returns the handler for a new link.
func (d *daemon) NewHandler(ctx context.Context) (remote.Handler, error) {
	d.mut.Lock()
	defer d.mut.Unlock()

	h, err := d.volumeHandler(d.cfg)
	if err != nil {
		return nil, err
	}
	lk := &link{d: d}
	if err := lk.SetHandler(ctx, h); err != nil {
		return nil, err
	}
	d.links[lk] = struct{}{}
	return lk, nil
}

// Links returns the number of live links.
func (d *daemon) Links() int {
	d.mut.Lock()
	defer d.mut.Unlock()
	return len(d.links)
}

// Reload applies cfg to future links and swaps the volume of every live
// link. Handles opened through the previous volume become stale.
func (d *daemon) Reload(ctx context.Context, cfg Config) error {
	d.mut.Lock()
	defer d.mut.Unlock()

	d.cfg = cfg

	var errs *multierror.Error
	for lk := range d.links {
		h, err := d.volumeHandler(cfg)
		if err != nil {
			return err
		}
		if err := lk.SetHandler(ctx, h); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	level.Info(d.log).Log("msg", "reloaded volume", "volume", cfg.Volume, "root", cfg.Root, "links", len(d.links))
	return errs.ErrorOrNil()
}
