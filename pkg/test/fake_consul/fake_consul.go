// Package fake_consul is an in-memory stand-in for the small part of the
// Consul HTTP API which pinner uses: service registration, the catalog, the
// health endpoint and the KV store. Point a real consul api.Client at it.
package fake_consul

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	consulapi "github.com/hashicorp/consul/api"
)

type service struct {
	name    string
	id      string
	address string
	port    int
	status  string
}

type Consul struct {
	srv *httptest.Server

	mu       sync.Mutex
	services map[string]*service // by id
	kv       map[string]*consulapi.KVPair
	index    uint64
}

// New starts a fake consul, which is shut down when the test ends.
func New(t testing.TB) *Consul {
	c := &Consul{
		services: map[string]*service{},
		kv:       map[string]*consulapi.KVPair{},
		index:    1,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agent/service/register", c.register)
	mux.HandleFunc("/v1/agent/service/deregister/", c.deregister)
	mux.HandleFunc("/v1/catalog/service/", c.catalog)
	mux.HandleFunc("/v1/health/service/", c.health)
	mux.HandleFunc("/v1/kv/", c.kvHandler)
	mux.HandleFunc("/v1/txn", c.txn)

	c.srv = httptest.NewServer(mux)
	t.Cleanup(c.srv.Close)

	return c
}

// Addr returns the URL of the fake, for use as a consul agent address.
func (c *Consul) Addr() string {
	return c.srv.URL
}

// Client returns a consul client talking to this fake.
func (c *Consul) Client(t testing.TB) *consulapi.Client {
	cfg := consulapi.DefaultConfig()
	cfg.Address = c.srv.URL

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		t.Fatalf("consulapi.NewClient: %v", err)
	}

	return client
}

// AddService registers a service instance, as if some node had done so. The
// status is one of the consulapi.Health* constants.
func (c *Consul) AddService(name, id, address string, port int, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[id] = &service{name: name, id: id, address: address, port: port, status: status}
	c.index += 1
}

func (c *Consul) SetStatus(id, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.services[id]; ok {
		s.status = status
	}
}

func (c *Consul) RemoveService(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.services, id)
}

// HasService returns whether a service with the given id is registered.
func (c *Consul) HasService(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.services[id]
	return ok
}

// Keys returns the sorted keys currently in the KV store.
func (c *Consul) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.kv))
	for k := range c.kv {
		out = append(out, k)
	}
	sort.Strings(out)

	return out
}

func (c *Consul) meta(w http.ResponseWriter) {
	w.Header().Set("X-Consul-Index", strconv.FormatUint(c.index, 10))
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("X-Consul-KnownLeader", "true")
	w.Header().Set("Content-Type", "application/json")
}

func (c *Consul) register(w http.ResponseWriter, r *http.Request) {
	var reg consulapi.AgentServiceRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := reg.ID
	if id == "" {
		id = reg.Name
	}

	c.AddService(reg.Name, id, reg.Address, reg.Port, consulapi.HealthPassing)
	w.WriteHeader(http.StatusOK)
}

func (c *Consul) deregister(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/")

	c.mu.Lock()
	_, ok := c.services[id]
	delete(c.services, id)
	c.mu.Unlock()

	if !ok {
		http.Error(w, "Unknown service ID", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (c *Consul) byName(name string) []*service {
	out := []*service{}
	for _, s := range c.services {
		if s.name == name {
			out = append(out, s)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].id < out[j].id
	})

	return out
}

func (c *Consul) catalog(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/catalog/service/")

	c.mu.Lock()
	defer c.mu.Unlock()

	res := []*consulapi.CatalogService{}
	for _, s := range c.byName(name) {
		res = append(res, &consulapi.CatalogService{
			ServiceID:      s.id,
			ServiceName:    s.name,
			Address:        s.address,
			ServiceAddress: s.address,
			ServicePort:    s.port,
		})
	}

	c.meta(w)
	_ = json.NewEncoder(w).Encode(res)
}

func (c *Consul) health(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")

	c.mu.Lock()
	defer c.mu.Unlock()

	res := []*consulapi.ServiceEntry{}
	for _, s := range c.byName(name) {
		if r.URL.Query().Has("passing") && s.status != consulapi.HealthPassing {
			continue
		}

		res = append(res, &consulapi.ServiceEntry{
			Node: &consulapi.Node{Node: "agent-" + s.id, Address: s.address},
			Service: &consulapi.AgentService{
				ID:      s.id,
				Service: s.name,
				Address: s.address,
				Port:    s.port,
			},
			Checks: consulapi.HealthChecks{
				{
					CheckID:     "service:" + s.id,
					ServiceID:   s.id,
					ServiceName: s.name,
					Status:      s.status,
				},
			},
		})
	}

	c.meta(w)
	_ = json.NewEncoder(w).Encode(res)
}

func (c *Consul) kvHandler(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/v1/kv/")
	q := r.URL.Query()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		res := []*consulapi.KVPair{}

		if q.Has("recurse") {
			for k, p := range c.kv {
				if strings.HasPrefix(k, key) {
					res = append(res, p)
				}
			}
			sort.Slice(res, func(i, j int) bool {
				return res[i].Key < res[j].Key
			})
		} else if p, ok := c.kv[key]; ok {
			res = append(res, p)
		}

		if len(res) == 0 {
			c.meta(w)
			w.WriteHeader(http.StatusNotFound)
			return
		}

		c.meta(w)
		_ = json.NewEncoder(w).Encode(res)

	case http.MethodPut:
		val, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if !c.casOK(key, q) {
			c.meta(w)
			_, _ = io.WriteString(w, "false")
			return
		}

		c.index += 1
		p, ok := c.kv[key]
		if !ok {
			p = &consulapi.KVPair{Key: key, CreateIndex: c.index}
			c.kv[key] = p
		}
		p.Value = val
		p.ModifyIndex = c.index

		c.meta(w)
		_, _ = io.WriteString(w, "true")

	case http.MethodDelete:
		if !c.casOK(key, q) {
			c.meta(w)
			_, _ = io.WriteString(w, "false")
			return
		}

		c.index += 1
		delete(c.kv, key)

		c.meta(w)
		_, _ = io.WriteString(w, "true")

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// casOK checks the ?cas= parameter, if any, against the current modify index
// of the key. Zero means the key must not exist. Caller must hold the lock.
func (c *Consul) casOK(key string, q map[string][]string) bool {
	vals, ok := q["cas"]
	if !ok || len(vals) == 0 {
		return true
	}

	idx, err := strconv.ParseUint(vals[0], 10, 64)
	if err != nil {
		return false
	}

	p, exists := c.kv[key]
	if idx == 0 {
		return !exists
	}

	return exists && p.ModifyIndex == idx
}

// txn applies a transaction of KV operations, all or nothing. Only the verbs
// which pinner uses are supported.
func (c *Consul) txn(w http.ResponseWriter, r *http.Request) {
	var ops consulapi.TxnOps
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	errs := consulapi.TxnErrors{}
	for i, op := range ops {
		if op.KV == nil {
			errs = append(errs, &consulapi.TxnError{OpIndex: i, What: "only KV operations are supported"})
			continue
		}

		kv := op.KV
		switch kv.Verb {
		case consulapi.KVSet, consulapi.KVDelete:
		case consulapi.KVCAS, consulapi.KVDeleteCAS:
			p, exists := c.kv[kv.Key]
			if (kv.Index == 0 && exists) || (kv.Index != 0 && (!exists || p.ModifyIndex != kv.Index)) {
				errs = append(errs, &consulapi.TxnError{OpIndex: i, What: fmt.Sprintf("failed to set key %q, index is stale", kv.Key)})
			}
		default:
			errs = append(errs, &consulapi.TxnError{OpIndex: i, What: fmt.Sprintf("unsupported verb %q", kv.Verb)})
		}
	}

	if len(errs) > 0 {
		c.meta(w)
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(consulapi.TxnResponse{Errors: errs})
		return
	}

	c.index += 1
	res := consulapi.TxnResponse{}

	for _, op := range ops {
		kv := op.KV

		switch kv.Verb {
		case consulapi.KVSet, consulapi.KVCAS:
			p, ok := c.kv[kv.Key]
			if !ok {
				p = &consulapi.KVPair{Key: kv.Key, CreateIndex: c.index}
				c.kv[kv.Key] = p
			}
			p.Value = kv.Value
			p.ModifyIndex = c.index

			res.Results = append(res.Results, &consulapi.TxnResult{
				KV: &consulapi.KVPair{Key: p.Key, CreateIndex: p.CreateIndex, ModifyIndex: p.ModifyIndex},
			})

		case consulapi.KVDelete, consulapi.KVDeleteCAS:
			delete(c.kv, kv.Key)
		}
	}

	c.meta(w)
	_ = json.NewEncoder(w).Encode(res)
}
