// Package memory is a Persister which keeps records in memory. It's for tests
// and single-process development, since everything is lost on restart.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/persister"
)

type Persister struct {
	recs map[api.CID]persister.Record
	sync.Mutex
}

var _ persister.Persister = (*Persister)(nil)

func New() *Persister {
	return &Persister{
		recs: map[api.CID]persister.Record{},
	}
}

func (p *Persister) Get(ctx context.Context, cid api.CID) (persister.Record, error) {
	p.Lock()
	defer p.Unlock()

	rec, ok := p.recs[cid]
	if !ok {
		return persister.Record{}, persister.ErrNotFound
	}

	return clone(rec), nil
}

func (p *Persister) Put(ctx context.Context, rec persister.Record) error {
	p.Lock()
	defer p.Unlock()
	p.recs[rec.CID] = clone(rec)
	return nil
}

func (p *Persister) Delete(ctx context.Context, cid api.CID) error {
	p.Lock()
	defer p.Unlock()
	delete(p.recs, cid)
	return nil
}

func (p *Persister) List(ctx context.Context) ([]persister.Record, error) {
	p.Lock()
	defer p.Unlock()

	out := make([]persister.Record, 0, len(p.recs))
	for _, rec := range p.recs {
		out = append(out, clone(rec))
	}

	return out, nil
}

func clone(rec persister.Record) persister.Record {
	rec.Nodes = slices.Clone(rec.Nodes)
	return rec
}
