// Package consul is a NodeCatalog which asks Consul about node health on every
// call, rather than probing the nodes itself.
package consul

import (
	"context"
	"fmt"
	"sort"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/catalog"
	consulapi "github.com/hashicorp/consul/api"
)

type Catalog struct {
	consul  *consulapi.Client
	svcName string
}

var _ catalog.NodeCatalog = (*Catalog)(nil)

func New(client *consulapi.Client, svcName string) *Catalog {
	return &Catalog{
		consul:  client,
		svcName: svcName,
	}
}

func (c *Catalog) QueryAvailable(ctx context.Context, exclude map[api.NodeID]struct{}) ([]api.Candidate, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)

	res, _, err := c.consul.Health().Service(c.svcName, "", false, q)
	if err != nil {
		return nil, fmt.Errorf("consul health query (service=%s): %w", c.svcName, err)
	}

	cands := make([]api.Candidate, 0, len(res))
	for _, e := range res {
		if e.Service == nil {
			continue
		}

		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}

		cands = append(cands, api.Candidate{
			Remote: api.Remote{
				Ident: e.Service.ID,
				Host:  host,
				Port:  e.Service.Port,
			},
			State: stateFromHealth(e.Checks.AggregatedStatus()),
		})
	}

	sort.Slice(cands, func(i, j int) bool {
		return cands[i].Remote.Ident < cands[j].Remote.Ident
	})

	return catalog.Filter(cands, exclude), nil
}

func stateFromHealth(s string) api.NodeState {
	switch s {
	case consulapi.HealthPassing:
		return api.NsOnline
	case consulapi.HealthWarning:
		return api.NsUnhealthy
	case consulapi.HealthCritical, consulapi.HealthMaint:
		return api.NsOffline
	default:
		return api.NsUnknown
	}
}
