package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/adammck/pinner/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

const (
	catalogRoster = "roster"
	catalogConsul = "consul"

	storeConsul = "consul"
	storeRedis  = "redis"
	storeMemory = "memory"
)

// options is everything pinnerd needs to know to wire itself together. The
// embedded Config is shared by the components; the rest picks them.
type options struct {
	cfg config.Config

	addrLis  string
	addrPub  string
	addrHTTP string

	consulAddr  string
	serviceName string // what we register ourselves as
	nodeService string // what the storage nodes register as
	register    bool

	catalog string
	store   string

	redisAddr string
	prefix    string
}

func (o options) Validate() error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}

	switch o.catalog {
	case catalogRoster, catalogConsul:
	default:
		return fmt.Errorf("unknown catalog %q (want %s or %s)", o.catalog, catalogRoster, catalogConsul)
	}

	switch o.store {
	case storeConsul, storeRedis, storeMemory:
	default:
		return fmt.Errorf("unknown store %q (want %s, %s or %s)", o.store, storeConsul, storeRedis, storeMemory)
	}

	if o.nodeService == "" {
		return errors.New("node service name cannot be empty")
	}

	if o.prefix == "" {
		return errors.New("prefix cannot be empty")
	}

	return nil
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pinnerd",
		Short:         "pinnerd keeps objects pinned to a fixed number of storage nodes",
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		Example: `
  # Nodes found and probed via Consul, records kept in Consul KV
  pinnerd --addr :7000 --pub-addr 10.0.0.5:7000

  # Records in Redis, health taken from Consul checks
  PINNER_STORE=redis PINNER_REDIS_ADDR=redis:6379 pinnerd --catalog consul

  # Pin something via a running pinnerd
  curl -X POST localhost:7001/pins/QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			opts, err := loadOptions(cmd.Flags())
			if err != nil {
				return err
			}

			c, err := New(opts, logger)
			if err != nil {
				return err
			}

			return c.Run(cmd.Context())
		},
	}

	addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newOnceCommand(logger, "pin", "Pin objects and wait until they're replicated", pinAll),
		newOnceCommand(logger, "unpin", "Unpin objects from every node holding them", unpinAll),
		newOnceCommand(logger, "status", "Show the pin state of objects", statusAll),
	)

	return cmd
}

// onceFunc does something with a list of cids, writing a line per cid to out.
type onceFunc func(ctx context.Context, c *Controller, cids []string, out io.Writer) error

// newOnceCommand returns a subcommand which wires everything up like the
// daemon does (minus the servers), runs f, and exits.
func newOnceCommand(logger pslog.Logger, use, short string, f onceFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <cid>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			opts, err := loadOptions(cmd.Flags())
			if err != nil {
				return err
			}

			// One-shot commands must not show up in discovery.
			opts.register = false

			c, err := New(opts, logger.With("cmd", use))
			if err != nil {
				return err
			}

			return c.Once(cmd.Context(), func(ctx context.Context) error {
				return f(ctx, c, args, cmd.OutOrStdout())
			})
		},
	}
}

func addFlags(flags *pflag.FlagSet) {
	def := config.Default()

	flags.String("addr", "localhost:7000", "address to start grpc server on")
	flags.String("pub-addr", "", "address for other services to reach this (default: same as --addr)")
	flags.String("http-addr", "localhost:7001", "address to serve the pin api and prometheus metrics on (empty disables)")

	flags.String("consul-addr", "", "consul agent address (default: from CONSUL_HTTP_ADDR, or localhost:8500)")
	flags.String("service-name", "pinner", "name to register this service under in consul")
	flags.String("node-service", "ipfs", "name which storage nodes are registered under in consul")
	flags.Bool("register", true, "register this service in consul")

	flags.String("catalog", catalogRoster, "where node health comes from (roster: probe nodes, consul: consul checks)")
	flags.String("store", storeConsul, "where pin records are kept (consul, redis, memory)")
	flags.String("redis-addr", "localhost:6379", "redis address, when --store=redis")
	flags.String("prefix", "pinner", "key prefix for pin records")

	flags.Int("replication", def.Replication, "number of nodes to pin each object to")
	flags.Duration("op-timeout", def.OpTimeout, "how long a node may take to pin an object (0 waits forever)")
	flags.Int("max-attempts", def.MaxAttempts, "replacement rounds per pin before giving up (0 is unlimited)")
	flags.Int("node-retries", def.NodeRetries, "times a node which failed may be offered again for the same object")
	flags.Duration("node-expire", def.NodeExpireDuration, "how long a node may be missing from discovery before it's forgotten")
	flags.Duration("probe-interval", def.ProbeInterval, "how often to probe every node")
	flags.Duration("probe-timeout", def.ProbeTimeout, "how long a single probe may take")
	flags.Int("unhealthy-after", def.UnhealthyAfter, "consecutive failed probes before a node is unhealthy")
	flags.Int("offline-after", def.OfflineAfter, "consecutive failed probes before a node is offline")
	flags.Int("workers", def.Workers, "max pins running at once (0 is unlimited)")
}

// newViper binds the flags to a fresh viper, so that every flag can also be
// set via a PINNER_ env var. Flags which were set explicitly win.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("PINNER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	return v, nil
}

func loadOptions(flags *pflag.FlagSet) (options, error) {
	v, err := newViper(flags)
	if err != nil {
		return options{}, err
	}

	return bindOptions(v)
}

func bindOptions(v *viper.Viper) (options, error) {
	o := options{
		cfg: config.Config{
			Replication:        v.GetInt("replication"),
			OpTimeout:          v.GetDuration("op-timeout"),
			MaxAttempts:        v.GetInt("max-attempts"),
			NodeRetries:        v.GetInt("node-retries"),
			NodeExpireDuration: v.GetDuration("node-expire"),
			ProbeInterval:      v.GetDuration("probe-interval"),
			ProbeTimeout:       v.GetDuration("probe-timeout"),
			UnhealthyAfter:     v.GetInt("unhealthy-after"),
			OfflineAfter:       v.GetInt("offline-after"),
			Workers:            v.GetInt("workers"),
		},
		addrLis:     v.GetString("addr"),
		addrPub:     v.GetString("pub-addr"),
		addrHTTP:    v.GetString("http-addr"),
		consulAddr:  v.GetString("consul-addr"),
		serviceName: v.GetString("service-name"),
		nodeService: v.GetString("node-service"),
		register:    v.GetBool("register"),
		catalog:     strings.ToLower(strings.TrimSpace(v.GetString("catalog"))),
		store:       strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		redisAddr:   v.GetString("redis-addr"),
		prefix:      strings.Trim(v.GetString("prefix"), "/:"),
	}

	if o.addrPub == "" {
		o.addrPub = o.addrLis
	}

	if err := o.Validate(); err != nil {
		return options{}, err
	}

	return o, nil
}
