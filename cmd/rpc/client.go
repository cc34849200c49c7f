package rpc

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/verdict-network/verdict/lib"
)

// Client calls the admin RPC of a node
type Client struct {
	adminURL string
	client   http.Client
}

// NewClient() points a client at a node, e.g. http://localhost:50003
func NewClient(adminURL string) *Client {
	return &Client{adminURL: strings.TrimSuffix(adminURL, "/"), client: http.Client{}}
}

func (c *Client) Health() (p *HealthResponse, err lib.ErrorI) {
	p = new(HealthResponse)
	err = c.get(HealthRouteName, "", p)
	return
}

func (c *Client) Transaction(hash string) (p *lib.Transaction, err lib.ErrorI) {
	p = new(lib.Transaction)
	err = c.get(TxByHashRouteName, hash, p)
	return
}

func (c *Client) Pending() (p []*lib.Transaction, err lib.ErrorI) {
	err = c.get(PendingRouteName, "", &p)
	return
}

func (c *Client) Awaiting() (p []*lib.Transaction, err lib.ErrorI) {
	err = c.get(AwaitingRouteName, "", &p)
	return
}

func (c *Client) Appeal(hash string) lib.ErrorI {
	return c.hashRequest(AppealRouteName, hash)
}

func (c *Client) Cancel(hash string) lib.ErrorI {
	return c.hashRequest(CancelRouteName, hash)
}

func (c *Client) hashRequest(routeName, hash string) lib.ErrorI {
	bz, err := lib.MarshalJSON(hashRequest{Hash: hash})
	if err != nil {
		return err
	}
	return c.post(routeName, bz, new(hashRequest))
}

// url() fills the :hash parameter of the route path when one is given
func (c *Client) url(routeName, param string) string {
	path := routePaths[routeName].Path
	if param != "" {
		path = strings.Replace(path, ":hash", param, 1)
	}
	return c.adminURL + path
}

func (c *Client) post(routeName string, json []byte, ptr any) lib.ErrorI {
	resp, err := c.client.Post(c.url(routeName, ""), ApplicationJSON, bytes.NewBuffer(json))
	if err != nil {
		return ErrPostRequest(err)
	}
	return c.unmarshal(resp, ptr)
}

func (c *Client) get(routeName, param string, ptr any) lib.ErrorI {
	resp, err := c.client.Get(c.url(routeName, param))
	if err != nil {
		return ErrGetRequest(err)
	}
	return c.unmarshal(resp, ptr)
}

// unmarshal() decodes a success body into ptr; any other status becomes the node's error
func (c *Client) unmarshal(resp *http.Response, ptr any) lib.ErrorI {
	defer func() { _ = resp.Body.Close() }()
	bz, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrReadBody(err)
	}
	if resp.StatusCode != http.StatusOK {
		remote := new(lib.Error)
		if e := lib.UnmarshalJSON(bz, remote); e == nil && remote.EModule != "" {
			return remote
		}
		return ErrHttpStatus(resp.Status, resp.StatusCode, bz)
	}
	return lib.UnmarshalJSON(bz, ptr)
}
