package lunarpod

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/lunarpod/internal/config"
	"github.com/loykin/lunarpod/internal/dispatch"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/metrics"
	"github.com/loykin/lunarpod/internal/pod"
	"github.com/loykin/lunarpod/internal/podbay"
	"github.com/loykin/lunarpod/internal/server"
	tlsx "github.com/loykin/lunarpod/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type PodBay = podbay.PodBay

type Pod = pod.LunarPod

type PodStatus = pod.Status

type OpenRequest = podbay.OpenRequest

type Opened = podbay.Opened

type Result = dispatch.Result

type LogBooks = logbook.Manager

type LogFilter = logbook.Filter

type ServerOptions = server.Options

// Target names accepted by pod lifecycle operations.
const (
	TargetAll     = pod.All
	TargetLibp2p  = "libp2p"
	TargetIpfs    = "ipfs"
	TargetOrbitDb = "orbitdb"
)

var (
	ErrPodExists   = podbay.ErrPodExists
	ErrPodNotFound = podbay.ErrPodNotFound
	ErrDBNotFound  = podbay.ErrDBNotFound
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }
func DefaultConfig() *Config                  { return config.Default() }

// Execute runs a named pod command, e.g. "peerId" or "addJSON".
func Execute(ctx context.Context, p *Pod, command string, args []byte) Result {
	return dispatch.ExecuteNamed(ctx, p, command, args)
}

// Operation runs a named database operation, e.g. "put" or "query".
func Operation(ctx context.Context, o Opened, command string, args []byte) Result {
	return dispatch.OperationNamed(ctx, o.Db, command, args)
}

// NewHTTPServer starts an HTTP server exposing the API of bay.
func NewHTTPServer(addr string, opts ServerOptions, bay *PodBay) (*http.Server, error) {
	return server.NewServer(addr, opts, bay)
}

// NewHandler returns the API as an http.Handler for mounting in another
// router.
func NewHandler(bay *PodBay, opts ServerOptions) http.Handler {
	return server.NewRouter(bay, opts).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// Daemon wires logging, the logbooks, history sinks, metrics, the pod bay
// and the HTTP API from a Config.
type Daemon struct {
	cfg       *Config
	log       *slog.Logger
	books     *logbook.Manager
	bay       *podbay.PodBay
	resources *metrics.ResourceCollector
	handler   http.Handler

	tls     *tls.Config
	mu      sync.Mutex
	servers []*http.Server
	cancel  context.CancelFunc
}

// NewDaemon builds every subsystem without listening yet.
func NewDaemon(cfg *Config) (*Daemon, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{cfg: cfg, log: cfg.Log.NewSlogger()}
	tc, err := tlsx.Setup(cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	d.tls = tc

	sinks, err := cfg.Sinks()
	if err != nil {
		return nil, err
	}
	d.books = logbook.NewManager(logbook.Options{
		MaxEntries: cfg.LogBook.MaxEntries,
		Logger:     d.log,
		Sinks:      sinks,
	})

	storeLog := cfg.Log.NewComponentLogger("ipfs")
	if storeLog == nil {
		storeLog = d.log.With(slog.String("component", "ipfs"))
	}
	opts, err := cfg.PodBayOptions(storeLog)
	if err != nil {
		return nil, err
	}
	d.bay = podbay.New(d.books, opts)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	if cfg.Metrics.Resources.Enabled {
		d.resources = metrics.NewResourceCollector(cfg.Metrics.Resources)
		if err := d.resources.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
	}

	d.handler = server.NewRouter(d.bay, server.Options{
		BasePath:       cfg.Server.BasePath,
		CORSOrigin:     cfg.Server.CORSOrigin,
		RequestTimeout: cfg.Server.RequestTimeout,
		Resources:      d.resources,
		Metrics:        cfg.Metrics.Enabled,
	}).Handler()
	return d, nil
}

func (d *Daemon) Bay() *PodBay          { return d.bay }
func (d *Daemon) Books() *LogBooks      { return d.books }
func (d *Daemon) Handler() http.Handler { return d.handler }
func (d *Daemon) Logger() *slog.Logger  { return d.log }

// Start listens on the configured addresses and returns the bound API
// address. Serving continues in the background until Shutdown.
func (d *Daemon) Start(ctx context.Context) (net.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil, errors.New("daemon already started")
	}
	ctx, cancel := context.WithCancel(ctx)

	api, err := d.listen(d.cfg.Server.Listen, d.handler, d.tls)
	if err != nil {
		cancel()
		return nil, err
	}
	if d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if _, err := d.listen(d.cfg.Metrics.Listen, mux, nil); err != nil {
			cancel()
			d.closeServers()
			return nil, err
		}
	}
	if d.resources != nil {
		_ = d.resources.Start(ctx)
	}
	d.cancel = cancel
	d.log.Info("lunarpod daemon started", "listen", api.String(), "base_path", d.cfg.Server.BasePath, "tls", d.tls != nil)
	return api, nil
}

func (d *Daemon) listen(addr string, h http.Handler, tc *tls.Config) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tc,
	}
	d.servers = append(d.servers, srv)
	go func() {
		var err error
		if tc != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return ln.Addr(), nil
}

func (d *Daemon) closeServers() {
	for _, s := range d.servers {
		_ = s.Close()
	}
	d.servers = nil
}

// Shutdown stops accepting requests, removes every pod, then flushes the
// logbooks to their sinks.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	servers := d.servers
	d.servers = nil
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	var errs []error
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if d.resources != nil {
		d.resources.Stop()
	}
	if err := d.bay.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.books.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
