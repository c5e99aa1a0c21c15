// Package daemon implements the node daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/log"
	"firestige.xyz/lowpan/internal/lowpan"
	"firestige.xyz/lowpan/internal/metrics"
	"firestige.xyz/lowpan/internal/radio"
	"firestige.xyz/lowpan/internal/sink"
)

// Daemon runs one adaptation layer node with its sinks and metrics.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	link          radio.Transceiver
	node          *lowpan.Node
	runners       []*sink.Runner
	metricsServer *metrics.Server // nil if metrics disabled

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	nodeErr      chan error
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New loads the configuration. pidFile overrides control.pid_file when set.
func New(configPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		pidFile:      pidFile,
		nodeErr:      make(chan error, 1),
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Node returns the running node, nil before Start.
func (d *Daemon) Node() *lowpan.Node { return d.node }

// Start brings up logging, the PID file, metrics, the link, the node and
// its sinks, in that order.
func (d *Daemon) Start() error {
	if err := log.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := log.GetLogger()
	logger.WithFields(map[string]interface{}{
		"config": d.configPath,
		"addr":   d.config.Node.Addr,
		"link":   d.config.Link.Type,
	}).Info("starting lowpan daemon")

	if err := d.writePIDFile(); err != nil {
		return err
	}
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	link, err := radio.Open(d.config.Link, d.config.Node.Addr)
	if err != nil {
		return fmt.Errorf("failed to open %s link: %w", d.config.Link.Type, err)
	}
	d.link = link

	if err := d.initNode(); err != nil {
		return err
	}
	if err := d.startSinks(); err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.nodeErr <- d.node.Run(d.ctx)
	}()

	logger.Info("daemon started successfully")
	return nil
}

func (d *Daemon) initNode() error {
	cfg := d.config
	opts := lowpan.OptionsFromConfig(cfg)

	var err error
	if cfg.Node.Prefix.IsValid() {
		if cfg.Node.BorderRouter {
			log.GetLogger().Warn("node.prefix is set; starting as a router, border_router is ignored")
		}
		d.node, err = lowpan.InitAsRouter(d.link, cfg.Node.Prefix, cfg.Node.Addr, opts)
	} else {
		d.node, err = lowpan.Init(d.link, cfg.Node.Addr, cfg.Node.BorderRouter, opts)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize node: %w", err)
	}

	for _, c := range cfg.Contexts {
		if err := d.node.Contexts().Insert(c.ID, c.Prefix); err != nil {
			return fmt.Errorf("failed to install context %d: %w", c.ID, err)
		}
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"router":      d.node.IsRouter(),
		"border":      d.node.IsBorderRouter(),
		"mtu":         d.node.MTU(),
		"compression": d.node.HeaderCompression(),
		"contexts":    d.node.Contexts().Len(),
	}).Info("adaptation layer initialized")
	return nil
}

func (d *Daemon) startSinks() error {
	runners, err := sink.FromConfig(d.config.Sinks, d.config.Registry.QueueDepth)
	if err != nil {
		return fmt.Errorf("failed to create sinks: %w", err)
	}
	for _, r := range runners {
		if err := d.node.Register(r.Consumer()); err != nil {
			return fmt.Errorf("failed to register sink %s: %w", r.Name(), err)
		}
		d.runners = append(d.runners, r)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			r.Run(d.ctx)
		}()
	}
	return nil
}

// Stop shuts everything down. It is safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	d.cancel()
	if d.link != nil {
		if err := d.link.Close(); err != nil {
			logger.WithError(err).Error("error closing link")
		}
	}
	d.wg.Wait()

	if d.node != nil {
		s := d.node.Stats()
		logger.WithFields(map[string]interface{}{
			"frames_in":  s.FramesIn,
			"frames_out": s.FramesOut,
			"delivered":  s.Delivered,
			"dropped":    s.Dropped,
		}).Info("node stopped")
	}

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("error stopping metrics server")
		}
	}

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := d.removePIDFile(); err != nil {
		logger.WithError(err).Error("error removing PID file")
	}

	logger.Info("daemon stopped gracefully")
	log.Close()
}

// Run blocks until SIGINT/SIGTERM, TriggerShutdown or a link failure.
// SIGHUP reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	logger := log.GetLogger()
	logger.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.Infof("received shutdown signal %s", sig)
				d.Stop()
				return nil
			case syscall.SIGHUP:
				if err := d.Reload(); err != nil {
					logger.WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			d.Stop()
			return nil

		case err := <-d.nodeErr:
			d.Stop()
			if err != nil {
				return fmt.Errorf("node stopped: %w", err)
			}
			return nil
		}
	}
}

// TriggerShutdown makes Run stop the daemon and return nil.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// Reload re-reads the configuration file. Logging and header compression
// apply immediately; link, node and sink changes need a restart.
func (d *Daemon) Reload() error {
	logger := log.GetLogger()
	logger.WithField("path", d.configPath).Info("reloading configuration")

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}
	if err := log.Init(newConfig.Log); err != nil {
		logger.WithError(err).Error("failed to reinitialize logging")
	} else {
		hotReloaded = append(hotReloaded, "log")
	}
	if d.node != nil && newConfig.Compression.Enabled != d.node.HeaderCompression() {
		d.node.SetHeaderCompression(newConfig.Compression.Enabled)
		hotReloaded = append(hotReloaded, "compression")
	}

	requiresRestart := []string{}
	old := d.config
	if newConfig.Node != old.Node {
		requiresRestart = append(requiresRestart, "node")
	}
	if newConfig.Link.Type != old.Link.Type || newConfig.Link.Listen != old.Link.Listen || newConfig.Link.MTU != old.Link.MTU {
		requiresRestart = append(requiresRestart, "link")
	}
	if newConfig.Reassembly != old.Reassembly {
		requiresRestart = append(requiresRestart, "reassembly")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	d.config.Log = newConfig.Log
	d.config.Compression = newConfig.Compression

	log.GetLogger().WithFields(map[string]interface{}{
		"hot_reloaded":     hotReloaded,
		"requires_restart": requiresRestart,
	}).Info("configuration reloaded")
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

// MetricsAddr returns the bound metrics listener address, or "" when
// metrics are disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	log.GetLogger().WithField("path", d.pidFile).Debugf("PID file written, pid %d", pid)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
