package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"kbcoder/buffer"
	"kbcoder/config"
	"kbcoder/engine"

	"github.com/neovim/go-client/nvim"
)

const (
	// IdleTimeout is how long the daemon outlives its last editor
	IdleTimeout = 30 * time.Second
	// idleCheckInterval is how often the idle deadline is checked
	idleCheckInterval = time.Second
)

// Daemon serves Neovim connections over a unix socket. All connections share
// one engine; the most recent one is the engine's editor.
type Daemon struct {
	config      Config
	engine      *engine.Engine
	socketPath  string
	pidPath     string
	idleTimeout time.Duration

	listener net.Listener
	clients  atomic.Int64
	lastSeen atomic.Int64 // unix nanos of the last connect or disconnect

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewDaemon(cfg Config) *Daemon {
	eng := engine.NewEngine(config.NewStore(), engine.EngineConfig{
		SettingsFile: cfg.settingsFile(),
	})

	idle := IdleTimeout
	if cfg.DebugImmediateShutdown {
		idle = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:      cfg,
		engine:      eng,
		socketPath:  getSocketPath(),
		pidPath:     getPidPath(),
		idleTimeout: idle,
		ctx:         ctx,
		cancel:      cancel,
	}
	d.touch(time.Now())
	return d
}

// Start serves until Stop, a termination signal, or the idle timeout
func (d *Daemon) Start() error {
	removePid, err := writePidFile(d.pidPath)
	if err != nil {
		log.Printf("warning: could not write PID file: %v", err)
	} else {
		defer removePid()
	}

	// a stale socket from a crashed daemon blocks Listen
	if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return err
	}
	d.listener = listener
	defer os.Remove(d.socketPath)

	d.engine.Start(d.ctx)
	// settings file only until an editor attaches
	d.engine.ReloadConfig()

	sigCtx, stopSignals := signal.NotifyContext(d.ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	context.AfterFunc(sigCtx, d.Stop)

	log.Printf("kbcoder daemon %d listening on %s", os.Getpid(), d.socketPath)
	go d.serve()
	go d.watchIdle()

	<-d.ctx.Done()
	log.Printf("daemon shutting down")
	return nil
}

func (d *Daemon) serve() {
	for {
		conn, err := d.listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			log.Printf("accept: %v", err)
			continue
		}

		d.touch(time.Now())
		log.Printf("editor connected (%d attached)", d.clients.Add(1))
		go func() {
			d.handleConnection(conn)
			d.touch(time.Now())
			log.Printf("editor disconnected (%d attached)", d.clients.Add(-1))
		}()
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	n, err := nvim.New(conn, conn, conn, log.Printf)
	if err != nil {
		log.Printf("error creating nvim client: %v", err)
		return
	}

	buf := buffer.New(buffer.Config{NsID: d.config.NsID})
	buf.SetClient(n)
	// handlers must be registered before Serve; they only queue events
	if err := buf.RegisterHandlers(d.engine.Dispatch); err != nil {
		log.Printf("error registering handlers: %v", err)
		return
	}

	served := make(chan error, 1)
	go func() { served <- n.Serve() }()

	if err := buf.InstallCommands(); err != nil {
		log.Printf("error installing commands: %v", err)
	}
	d.engine.SetEditor(buf)

	select {
	case <-d.ctx.Done():
	case err := <-served:
		if err != nil && err != io.EOF {
			log.Printf("error serving connection: %v", err)
		}
		// sessions writing into this editor cannot continue
		if cancelled := d.engine.CancelAll(); cancelled > 0 {
			log.Printf("cancelled %d sessions of disconnected client", cancelled)
		}
	}
}

func (d *Daemon) touch(now time.Time) { d.lastSeen.Store(now.UnixNano()) }

// idleExpired reports whether no editor has been attached for the idle timeout
func (d *Daemon) idleExpired(now time.Time) bool {
	if d.clients.Load() > 0 {
		return false
	}
	return now.Sub(time.Unix(0, d.lastSeen.Load())) >= d.idleTimeout
}

func (d *Daemon) watchIdle() {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			if d.idleExpired(now) {
				log.Printf("no editor attached for %s, shutting down", d.idleTimeout)
				d.Stop()
				return
			}
		}
	}
}

// Stop cancels running sessions, logs the session summary and ends Start
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.engine.Stop()
		s := d.engine.Summary()
		log.Printf("sessions: %d (%v), fragments: %d, inserted chars: %d, +%d -%d lines",
			s.Sessions, s.Outcomes, s.Fragments, s.InsertedChars, s.Additions, s.Deletions)
		if d.listener != nil {
			d.listener.Close()
		}
		d.cancel()
	})
}

// writePidFile records this process for isDaemonRunning. The returned func
// removes the file.
func writePidFile(path string) (func(), error) {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, err
	}
	return func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("warning: could not remove PID file: %v", err)
		}
	}, nil
}
