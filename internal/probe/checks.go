package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
)

// maxBody bounds how much of a response NewHTTPBody inspects.
const maxBody = 64 << 10

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type tcpCheck struct {
	address  string
	released bool
	dial     dialFunc
}

// NewTCP returns a Prober that succeeds once address accepts a connection.
func NewTCP(address string) Prober {
	return &tcpCheck{address: address, dial: (&net.Dialer{}).DialContext}
}

// NewTCPReleased returns a Prober that succeeds once address stops accepting
// connections, e.g. after its listener was killed.
func NewTCPReleased(address string) Prober {
	return &tcpCheck{address: address, released: true, dial: (&net.Dialer{}).DialContext}
}

func (c *tcpCheck) Probe(ctx context.Context) error {
	conn, err := c.dial(ctx, "tcp", c.address)
	if c.released {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		conn.Close()
		return fmt.Errorf("%s still accepting connections", c.address)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.address, err)
	}
	return conn.Close()
}

func (c *tcpCheck) String() string {
	if c.released {
		return "tcp-released " + c.address
	}
	return "tcp " + c.address
}

type httpCheck struct {
	client   *http.Client
	url      string
	status   []int
	contains []byte
}

// NewHTTP returns a Prober issuing GET requests to url. With no expected
// statuses any 2xx or 3xx response succeeds.
func NewHTTP(url string, expectStatus ...int) Prober {
	return &httpCheck{client: &http.Client{}, url: url, status: slices.Clone(expectStatus)}
}

// NewHTTPBody is NewHTTP with the additional requirement that the response
// body contains substr.
func NewHTTPBody(url, substr string) Prober {
	return &httpCheck{client: &http.Client{}, url: url, contains: []byte(substr)}
}

func (c *httpCheck) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if !c.statusOK(resp.StatusCode) {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	if len(c.contains) > 0 && !bytes.Contains(body, c.contains) {
		return errors.New("body does not contain " + string(c.contains))
	}
	return nil
}

func (c *httpCheck) statusOK(code int) bool {
	if len(c.status) > 0 {
		return slices.Contains(c.status, code)
	}
	return code >= 200 && code < 400
}

func (c *httpCheck) String() string {
	return "http " + c.url
}
