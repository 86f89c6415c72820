package consul

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/discovery"
	consulapi "github.com/hashicorp/consul/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	hv1 "google.golang.org/grpc/health/grpc_health_v1"
)

type Discovery struct {
	svcName string
	addrPub string
	ident   string
	consul  *consulapi.Client
	srv     *grpc.Server
	hs      *health.Server
}

var _ discovery.Discoverable = (*Discovery)(nil)

func getIdent(addr string) (string, error) {
	host, sPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	nPort, err := strconv.Atoi(sPort)
	if err != nil {
		return "", err
	}

	if host == "" || host == "localhost" || host == "127.0.0.1" {
		return fmt.Sprintf("%d", nPort), nil
	}

	return fmt.Sprintf("%s:%d", host, nPort), nil
}

// New returns a Discovery which will register the service (at addrPub) with
// Consul when started. A gRPC health server is attached to srv, which Consul
// will use to check on us. If srv is nil, no health check is registered.
func New(serviceName, addrPub string, client *consulapi.Client, srv *grpc.Server) (*Discovery, error) {
	ident, err := getIdent(addrPub)
	if err != nil {
		return nil, err
	}

	d := &Discovery{
		svcName: serviceName,
		addrPub: addrPub,
		ident:   ident,
		consul:  client,
		srv:     srv,
	}

	if srv != nil {
		d.hs = health.NewServer()
		d.hs.SetServingStatus("", hv1.HealthCheckResponse_SERVING)
		hv1.RegisterHealthServer(d.srv, d.hs)
	}

	return d, nil
}

func (d *Discovery) Ident() string {
	return d.ident
}

func (d *Discovery) Start() error {
	host, sPort, err := net.SplitHostPort(d.addrPub)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(sPort)
	if err != nil {
		return err
	}

	def := &consulapi.AgentServiceRegistration{
		Name:    d.svcName,
		ID:      d.ident,
		Address: host,
		Port:    port,
	}

	if d.srv != nil {
		def.Check = &consulapi.AgentServiceCheck{
			GRPC: d.addrPub,

			// How long to wait between checks.
			Interval: (3 * time.Second).String(),

			// How long to wait for a response before giving up.
			Timeout: (1 * time.Second).String(),

			// How long to wait after a service becomes critical (i.e. starts
			// returning error, unhealthy responses, or timing out) before
			// removing it from service discovery. Might actually take longer
			// than this because of Consul implementation.
			DeregisterCriticalServiceAfter: (10 * time.Second).String(),
		}
	}

	return d.consul.Agent().ServiceRegister(def)
}

func (d *Discovery) Stop() error {
	if d.hs != nil {
		d.hs.Shutdown()
	}

	return d.consul.Agent().ServiceDeregister(d.ident)
}

func (d *Discovery) Get(ctx context.Context, name string) ([]api.Remote, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)

	res, _, err := d.consul.Catalog().Service(name, "", q)
	if err != nil {
		return nil, fmt.Errorf("consul catalog (service=%s): %w", name, err)
	}

	output := make([]api.Remote, len(res))
	for i, r := range res {

		// Prefer the service address, since nodes often share an agent.
		host := r.ServiceAddress
		if host == "" {
			host = r.Address // https://github.com/hashicorp/consul/issues/2076
		}

		output[i] = api.Remote{
			Ident: r.ServiceID,
			Host:  host,
			Port:  r.ServicePort,
		}
	}

	return output, nil
}
