// Package nodeop pins and unpins objects on storage nodes, by way of the IPFS
// RPC API which every node serves.
package nodeop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/replicate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"
)

// Bodies longer than this are truncated in errors.
const maxErrorBody = 4096

// StatusError is returned when a node responds with a non-2xx status.
type StatusError struct {
	Node    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("node %s returned %d: %s", e.Node, e.Code, e.Message)
}

type Client struct {
	http *http.Client
	log  pslog.Logger
}

var _ replicate.Operator = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l pslog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:  pslog.NoopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Pin(ctx context.Context, rem api.Remote, cid api.CID) error {
	return c.call(ctx, rem, "add", cid)
}

// Unpin removes the pin. Nodes complain when asked to unpin something which
// isn't pinned, but that's the state we want, so it isn't an error.
func (c *Client) Unpin(ctx context.Context, rem api.Remote, cid api.CID) error {
	err := c.call(ctx, rem, "rm", cid)
	if isNotPinned(err) {
		c.log.Debug("nodeop.unpin.not_pinned", "node", rem.Ident, "cid", cid.String())
		return nil
	}

	return err
}

func isNotPinned(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && strings.Contains(se.Message, "not pinned")
}

func (c *Client) call(ctx context.Context, rem api.Remote, action string, cid api.CID) error {
	u := url.URL{
		Scheme:   "http",
		Host:     rem.Addr(),
		Path:     "/api/v0/pin/" + action,
		RawQuery: url.Values{"arg": {cid.String()}}.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pin/%s on %s: %w", action, rem.Ident, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{
			Node:    rem.Ident,
			Code:    res.StatusCode,
			Message: readMessage(res.Body),
		}
	}

	// The body lists the affected pins, which we don't need. Drain it so the
	// connection can be reused.
	_, _ = io.Copy(io.Discard, res.Body)

	c.log.Debug("nodeop.done", "action", action, "node", rem.Ident, "cid", cid.String())
	return nil
}

// readMessage extracts the message from an IPFS error response, or returns the
// raw body if it isn't one.
func readMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return fmt.Sprintf("(error reading body: %v)", err)
	}

	var e struct {
		Message string
	}
	if err := json.Unmarshal(b, &e); err == nil && e.Message != "" {
		return e.Message
	}

	return strings.TrimSpace(string(b))
}
