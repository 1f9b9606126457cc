package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tangled.sh/tangled.sh/conveyor/conveyor"
)

// Client talks to a running conveyor server.
type Client struct {
	Base string
	Http *http.Client
}

func NewClient(base string) *Client {
	return &Client{
		Base: strings.TrimSuffix(base, "/"),
		Http: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes a JSON response into out, unless out
// is a *[]byte, which receives the raw body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Http.Do(req)
	if err != nil {
		return fmt.Errorf("error reaching %s; is the server running? %w", c.Base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var e conveyor.ApiError
		if err := json.Unmarshal(data, &e); err != nil || e.Tag == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return e
	}

	switch o := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*o = data
		return nil
	default:
		return json.Unmarshal(data, out)
	}
}
