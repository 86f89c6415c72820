package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/catalog"
	consulcat "github.com/adammck/pinner/pkg/catalog/consul"
	consuldisc "github.com/adammck/pinner/pkg/discovery/consul"
	"github.com/adammck/pinner/pkg/nodeop"
	"github.com/adammck/pinner/pkg/persister"
	consulpers "github.com/adammck/pinner/pkg/persister/consul"
	"github.com/adammck/pinner/pkg/persister/memory"
	redispers "github.com/adammck/pinner/pkg/persister/redis"
	"github.com/adammck/pinner/pkg/pinner"
	"github.com/adammck/pinner/pkg/placement"
	"github.com/adammck/pinner/pkg/replicate"
	"github.com/adammck/pinner/pkg/roster"
	"github.com/adammck/pinner/pkg/tracker"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"pkt.systems/pslog"
)

type Controller struct {
	opts options
	log  pslog.Logger

	srv     *grpc.Server
	disc    *consuldisc.Discovery
	rost    *roster.Roster // nil unless the catalog is the roster
	store   persister.Persister
	reg    *prometheus.Registry
	http   *http.Server
	pinner *pinner.Pinner

	// set by Start
	lis        net.Listener
	hlis       net.Listener
	errChan    chan error
	registered bool

	// set by prepare
	stopRoster context.CancelFunc
	rosterDone chan struct{}
}

func New(opts options, log pslog.Logger) (*Controller, error) {
	if log == nil {
		log = pslog.NoopLogger()
	}

	srv := grpc.NewServer()

	// Register reflection service, so client can introspect (for debugging).
	reflection.Register(srv)

	ccfg := consulapi.DefaultConfig()
	if opts.consulAddr != "" {
		ccfg.Address = opts.consulAddr
	}

	client, err := consulapi.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	// This also attaches the health service to srv.
	disc, err := consuldisc.New(opts.serviceName, opts.addrPub, client, srv)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var cat catalog.NodeCatalog
	var rost *roster.Roster

	switch opts.catalog {
	case catalogRoster:
		rost = roster.New(opts.cfg, disc, opts.nodeService, log.With("component", "roster"))
		cat = rost
	case catalogConsul:
		cat = consulcat.New(client, opts.nodeService)
	default:
		return nil, fmt.Errorf("unknown catalog %q", opts.catalog)
	}

	store, err := newStore(opts, client, log.With("component", "persister"))
	if err != nil {
		return nil, err
	}

	eng := replicate.New(
		opts.cfg,
		placement.NewRandom(cat, opts.cfg.Replication),
		cat,
		nodeop.New(nodeop.WithLogger(log.With("component", "nodeop"))),
		replicate.WithLogger(log.With("component", "replicate")),
		replicate.WithMetrics(replicate.NewMetrics(reg)))

	topts := []tracker.Option{
		tracker.WithLogger(log.With("component", "tracker")),
		tracker.WithMetrics(tracker.NewMetrics(reg, "pin")),
	}
	if opts.cfg.Workers > 0 {
		topts = append(topts, tracker.WithExecutor(tracker.NewPool(opts.cfg.Workers)))
	}

	p := pinner.New(tracker.New[api.CID](topts...), eng, store, log.With("component", "pinner"))

	c := &Controller{
		opts:   opts,
		log:    log,
		srv:    srv,
		disc:   disc,
		rost:   rost,
		store:  store,
		reg:    reg,
		pinner: p,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	c.routes(mux)

	c.http = &http.Server{
		Handler:           otelhttp.NewHandler(mux, "pinnerd"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return c, nil
}

func newStore(opts options, client *consulapi.Client, log pslog.Logger) (persister.Persister, error) {
	switch opts.store {
	case storeConsul:
		return consulpers.New(client, opts.prefix, log), nil

	case storeRedis:
		return redispers.New(&redis.Options{Addr: opts.redisAddr}, opts.prefix, log)

	case storeMemory:
		log.Warn("persister.memory.volatile")
		return memory.New(), nil
	}

	return nil, fmt.Errorf("unknown store %q", opts.store)
}

// Run starts everything, blocks until the context is cancelled, and then shuts
// everything down again.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return errors.Join(err, c.Stop())
	}

	// Block until context is cancelled, indicating that caller wants shutdown.
	<-ctx.Done()

	return c.Stop()
}

// Start starts the servers, registers in discovery, and loads the existing pin
// records. It doesn't block. Call Stop even if it returns an error.
func (c *Controller) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", c.opts.addrLis)
	if err != nil {
		return err
	}

	c.lis = lis
	c.log.Info("pinnerd.listening", "addr", lis.Addr().String())

	// Start the gRPC server in a background routine. errChan will contain the
	// error returned by Serve, or be closed with no error.
	c.errChan = make(chan error, 1)
	go func() {
		if err := c.srv.Serve(lis); err != nil {
			c.errChan <- err
		}
		close(c.errChan)
	}()

	if c.opts.addrHTTP != "" {
		hlis, err := net.Listen("tcp", c.opts.addrHTTP)
		if err != nil {
			return fmt.Errorf("http listener: %w", err)
		}

		c.hlis = hlis
		c.log.Info("pinnerd.http.listening", "addr", hlis.Addr().String())

		go func() {
			if err := c.http.Serve(hlis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error("pinnerd.http.failed", "error", err)
			}
		}()
	}

	if c.opts.register {
		if err := c.disc.Start(); err != nil {
			return fmt.Errorf("registering in consul: %w", err)
		}
		c.registered = true
	}

	return c.prepare(ctx)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// prepare gets everything but the servers ready to pin.
func (c *Controller) prepare(ctx context.Context) error {
	if p, ok := c.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store unavailable: %w", err)
		}
	}

	if c.rost != nil {

		// Perform a single blocking probe cycle, to ensure that the first pins
		// are placed knowing the current state of the nodes.
		if err := c.rost.Tick(ctx); err != nil {
			c.log.Warn("pinnerd.roster.tick_failed", "error", err)
		}

		rctx, cancel := context.WithCancel(context.Background())
		c.stopRoster = cancel
		c.rosterDone = make(chan struct{})

		go func() {
			c.rost.Run(rctx)
			close(c.rosterDone)
		}()
	}

	if _, err := c.pinner.Warm(ctx); err != nil {
		return fmt.Errorf("loading pin records: %w", err)
	}

	return nil
}

// Stop undoes whatever Start (or Once) managed to do.
func (c *Controller) Stop() error {
	var errs []error

	// Stop accepting requests first, so nothing new is launched while waiting.
	if c.lis != nil {
		c.srv.GracefulStop()
		if err := <-c.errChan; err != nil {
			errs = append(errs, fmt.Errorf("grpc server: %w", err))
		}
	}

	if c.hlis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	// Let in-flight pins finish, so their records are written now rather than
	// having to pin them again after restart.
	c.pinner.Wait()

	if c.stopRoster != nil {
		c.stopRoster()
		<-c.rosterDone
	}

	// Remove ourselves from service discovery. Not strictly necessary, but
	// lets consul stop checking on us sooner.
	if c.registered {
		if err := c.disc.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("deregistering: %w", err))
		}
		c.registered = false
	}

	if cl, ok := c.store.(io.Closer); ok {
		if err := cl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Once prepares everything except the servers, calls f, and tears it all down
// again.
func (c *Controller) Once(ctx context.Context, f func(context.Context) error) error {
	err := c.prepare(ctx)
	if err == nil {
		err = f(ctx)
	}

	return errors.Join(err, c.Stop())
}

func pinAll(ctx context.Context, c *Controller, raws []string, out io.Writer) error {
	cids := make([]api.CID, 0, len(raws))
	for _, raw := range raws {
		cid, err := c.pinner.Pin(raw)
		if err != nil {
			return err
		}
		cids = append(cids, cid)
	}

	failed := 0
	for _, cid := range cids {
		st, err := c.pinner.Await(ctx, cid)
		if err != nil {
			return err
		}

		if st != tracker.Success {
			failed += 1
		}

		fmt.Fprintf(out, "%s\t%s\n", cid, st)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d pins failed", failed, len(cids))
	}

	return nil
}

func unpinAll(ctx context.Context, c *Controller, raws []string, out io.Writer) error {
	var errs []error

	for _, raw := range raws {
		if err := c.pinner.Unpin(ctx, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", raw, err))
			fmt.Fprintf(out, "%s\t%s\n", raw, err)
			continue
		}

		fmt.Fprintf(out, "%s\tunpinned\n", raw)
	}

	return errors.Join(errs...)
}

func statusAll(ctx context.Context, c *Controller, raws []string, out io.Writer) error {
	for _, raw := range raws {
		st, err := c.pinner.Status(ctx, raw)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%s\t%s\n", raw, st)
	}

	return nil
}
