package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/persister"
	capi "github.com/hashicorp/consul/api"
	"pkt.systems/pslog"
)

type Persister struct {
	client *capi.Client
	prefix string
	log    pslog.Logger

	// keep track of the last ModifyIndex for each record, so that writes can
	// be rejected if someone else got there first. Zero (or missing) means
	// that we believe the key doesn't exist.
	modifyIndex map[api.CID]uint64

	// guards modifyIndex
	sync.Mutex
}

var _ persister.Persister = (*Persister)(nil)

// New returns a Persister which keeps records under <prefix>/pins/ in the
// Consul KV store.
func New(client *capi.Client, prefix string, log pslog.Logger) *Persister {
	if log == nil {
		log = pslog.NoopLogger()
	}

	return &Persister{
		client:      client,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		modifyIndex: map[api.CID]uint64{},
	}
}

func (cp *Persister) dir() string {
	return cp.prefix + "/pins/"
}

func (cp *Persister) key(cid api.CID) string {
	return cp.dir() + cid.String()
}

func (cp *Persister) Get(ctx context.Context, cid api.CID) (persister.Record, error) {
	q := (&capi.QueryOptions{}).WithContext(ctx)

	pair, _, err := cp.client.KV().Get(cp.key(cid), q)
	if err != nil {
		return persister.Record{}, fmt.Errorf("consul get (cid=%s): %w", cid, err)
	}

	cp.Lock()
	defer cp.Unlock()

	if pair == nil {
		delete(cp.modifyIndex, cid)
		return persister.Record{}, persister.ErrNotFound
	}

	rec := persister.Record{}
	if err := json.Unmarshal(pair.Value, &rec); err != nil {
		return persister.Record{}, fmt.Errorf("invalid record (key=%s): %w", pair.Key, err)
	}

	cp.modifyIndex[cid] = pair.ModifyIndex
	return rec, nil
}

// Put writes the record, if it hasn't changed since we last read (or wrote)
// it. Otherwise it returns ErrConflict.
func (cp *Persister) Put(ctx context.Context, rec persister.Record) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	cp.Lock()
	defer cp.Unlock()

	op := &capi.KVTxnOp{
		Verb:  capi.KVCAS,
		Key:   cp.key(rec.CID),
		Value: v,
		Index: cp.modifyIndex[rec.CID],
	}

	q := (&capi.QueryOptions{}).WithContext(ctx)
	ok, res, _, err := cp.client.Txn().Txn(capi.TxnOps{{KV: op}}, q)
	if err != nil {
		return fmt.Errorf("consul txn (cid=%s): %w", rec.CID, err)
	}

	if !ok {
		// Our index is stale. Forget it, so the caller has to read again.
		delete(cp.modifyIndex, rec.CID)

		what := ""
		if res != nil && len(res.Errors) > 0 {
			what = res.Errors[0].What
		}

		cp.log.Info("persister.put.conflict", "cid", rec.CID.String(), "what", what)
		return fmt.Errorf("%w (cid=%s)", persister.ErrConflict, rec.CID)
	}

	if len(res.Results) != 1 || res.Results[0].KV == nil {
		return fmt.Errorf("expected 1 result from txn, got %d", len(res.Results))
	}

	cp.modifyIndex[rec.CID] = res.Results[0].KV.ModifyIndex
	return nil
}

func (cp *Persister) Delete(ctx context.Context, cid api.CID) error {
	w := (&capi.WriteOptions{}).WithContext(ctx)

	if _, err := cp.client.KV().Delete(cp.key(cid), w); err != nil {
		return fmt.Errorf("consul delete (cid=%s): %w", cid, err)
	}

	cp.Lock()
	defer cp.Unlock()
	delete(cp.modifyIndex, cid)

	return nil
}

func (cp *Persister) List(ctx context.Context) ([]persister.Record, error) {
	q := (&capi.QueryOptions{}).WithContext(ctx)

	pairs, _, err := cp.client.KV().List(cp.dir(), q)
	if err != nil {
		return nil, fmt.Errorf("consul list: %w", err)
	}

	out := []persister.Record{}

	cp.Lock()
	defer cp.Unlock()

	for _, kv := range pairs {
		cid := api.CID(strings.TrimPrefix(kv.Key, cp.dir()))

		rec := persister.Record{}
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			cp.log.Warn("persister.list.invalid", "key", kv.Key, "error", err)
			continue
		}

		if rec.CID != cid {
			cp.log.Warn("persister.list.mismatch", "key", kv.Key, "cid", rec.CID.String())
			continue
		}

		cp.modifyIndex[cid] = kv.ModifyIndex
		out = append(out, rec)
	}

	return out, nil
}
