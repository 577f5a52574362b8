// Package app assembles a running watchmesh device from its config:
// storage, transport, the mesh core, the UI bridge, and the config
// watcher.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/watchmesh/watchmesh/internal/bridge"
	"github.com/watchmesh/watchmesh/internal/config"
	"github.com/watchmesh/watchmesh/internal/connman"
	"github.com/watchmesh/watchmesh/internal/events"
	"github.com/watchmesh/watchmesh/internal/mesh"
	"github.com/watchmesh/watchmesh/internal/storage"
	"github.com/watchmesh/watchmesh/internal/transport"
	"github.com/watchmesh/watchmesh/internal/util"
)

// Options configures one device run.
type Options struct {
	DeviceDir string
	CfgPath   string
	Cfg       config.Config

	// JoinRoomID, when set, joins an existing room instead of hosting
	// one.
	JoinRoomID string
}

// Run brings the device up and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	applyLogLevel(cfg.Logging.Level)

	db, err := storage.Open(util.ResolvePath(opt.DeviceDir, cfg.Identity.DataDir))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	tr := transport.NewLibP2P(transport.LibP2POptions{
		KeyFile:        util.ResolvePath(opt.DeviceDir, cfg.Identity.KeyFile),
		ListenPort:     cfg.P2P.ListenPort,
		DirectoryTopic: cfg.P2P.DirectoryTopic,
		MdnsTag:        cfg.P2P.MdnsTag,
	})

	bus := events.NewBus()
	m := mesh.New(tr, db, bus, clock.New(), mesh.Options{
		Connect: connman.Options{
			MaxAttempts:    cfg.Mesh.MaxAttempts,
			BaseDelay:      time.Duration(cfg.Mesh.BaseDelayMs) * time.Millisecond,
			ConnectTimeout: time.Duration(cfg.Mesh.ConnectTimeoutSec) * time.Second,
		},
		HeartbeatInterval: time.Duration(cfg.Mesh.HeartbeatSec) * time.Second,
		VideoDisabled:     cfg.Media.VideoDisabled,
	})
	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("start mesh: %w", err)
	}
	defer m.Disconnect()

	if cfg.Bridge.HTTPAddr != "" {
		br := bridge.New(bus, db)
		if err := br.Start(cfg.Bridge.HTTPAddr); err != nil {
			return fmt.Errorf("start bridge: %w", err)
		}
		defer br.Close()
	}

	stopWatch, err := config.Watch(opt.CfgPath, func(next config.Config) {
		log.Printf("APP: config changed, log level now %q", next.Logging.Level)
		applyLogLevel(next.Logging.Level)
	})
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	if opt.JoinRoomID != "" {
		if err := m.JoinRoom(ctx, opt.JoinRoomID); err != nil {
			return fmt.Errorf("join room %s: %w", opt.JoinRoomID, err)
		}
		log.Printf("APP: joined room %s", opt.JoinRoomID)
	} else {
		room := m.CreateRoom()
		log.Printf("APP: hosting room %s (share this identifier with joining devices)", room.RoomID)
	}

	<-ctx.Done()
	log.Printf("APP: shutting down")
	return nil
}

// applyLogLevel maps the configured level onto the libp2p subsystem
// loggers. Application logs use the stdlib logger and are unaffected.
func applyLogLevel(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Printf("APP: unknown log level %q: %v", level, err)
		return
	}
	logging.SetAllLoggers(lvl)
}
