package mock

import (
	"context"
	"sync"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/discovery"
)

type MockDiscovery struct {
	Remotes map[string][]api.Remote
	err     error
	sync.RWMutex
}

var _ discovery.Discoverable = (*MockDiscovery)(nil)

func New() *MockDiscovery {
	return &MockDiscovery{
		Remotes: map[string][]api.Remote{},
	}
}

// interface

func (d *MockDiscovery) Start() error {
	return nil
}

func (d *MockDiscovery) Stop() error {
	return nil
}

func (d *MockDiscovery) Get(ctx context.Context, name string) ([]api.Remote, error) {
	d.RLock()
	defer d.RUnlock()

	if d.err != nil {
		return nil, d.err
	}

	rems, ok := d.Remotes[name]
	if !ok {
		return []api.Remote{}, nil
	}

	res := make([]api.Remote, len(rems))
	copy(res, rems)

	return res, nil
}

// test helpers

func (d *MockDiscovery) Set(name string, remotes []api.Remote) {
	d.Lock()
	defer d.Unlock()
	d.Remotes[name] = remotes
}

func (d *MockDiscovery) Add(name string, remote api.Remote) {
	d.Lock()
	defer d.Unlock()
	d.Remotes[name] = append(d.Remotes[name], remote)
}

// Remove drops every remote with the given ident from the named service.
func (d *MockDiscovery) Remove(name string, ident string) {
	d.Lock()
	defer d.Unlock()

	out := []api.Remote{}
	for _, r := range d.Remotes[name] {
		if r.Ident != ident {
			out = append(out, r)
		}
	}

	d.Remotes[name] = out
}

// SetError makes Get fail with err until cleared with nil.
func (d *MockDiscovery) SetError(err error) {
	d.Lock()
	defer d.Unlock()
	d.err = err
}
