package client

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tomyedwab/tangram/stdio"
	"github.com/tomyedwab/tangram/types"
)

func remoteQuery(remote string) url.Values {
	q := url.Values{}
	if remote != "" {
		q.Set("remote", remote)
	}
	return q
}

func channelPath(kind, id, op string) string {
	p := "/" + kind + "/" + url.PathEscape(id)
	if op != "" {
		p += "/" + op
	}
	return p
}

// writeEvents streams events to the server as a framed request body.
func (c *Client) writeEvents(ctx context.Context, path string, q url.Values, events <-chan types.Event) error {
	body, pw := io.Pipe()
	go func() {
		pw.CloseWithError(stdio.Encode(ctx, stdio.NewFrameWriter(pw), events))
	}()
	resp, err := c.makeRequest(ctx, http.MethodPost, path, q, body,
		map[string]string{"Content-Type": stdio.MediaFrames})
	body.Close()
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// readEvents opens a framed event stream. The response body is released
// once the stream ends or ctx is done.
func (c *Client) readEvents(ctx context.Context, path string, q url.Values) (<-chan types.Event, error) {
	resp, err := c.makeRequest(ctx, http.MethodGet, path, q, nil,
		map[string]string{"Accept": stdio.MediaFrames})
	if err != nil {
		return nil, err
	}

	mediaType := resp.Header.Get("Content-Type")
	events := stdio.Decode(ctx, stdio.NewEventReader(resp.Body, mediaType))
	out := make(chan types.Event)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		for event := range events {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) CreatePipe(ctx context.Context, remote string) (*types.PipeOutput, error) {
	var output types.PipeOutput
	if err := c.call(ctx, http.MethodPost, "/pipes", remoteQuery(remote), nil, &output); err != nil {
		return nil, err
	}
	return &output, nil
}

func (c *Client) ClosePipe(ctx context.Context, id, remote string) error {
	return c.call(ctx, http.MethodPost, channelPath("pipes", id, "close"), remoteQuery(remote), nil, nil)
}

func (c *Client) DeletePipe(ctx context.Context, id, remote string) error {
	return c.call(ctx, http.MethodDelete, channelPath("pipes", id, ""), remoteQuery(remote), nil, nil)
}

func (c *Client) WritePipe(ctx context.Context, id string, events <-chan types.Event, remote string) error {
	return c.writeEvents(ctx, channelPath("pipes", id, "write"), remoteQuery(remote), events)
}

func (c *Client) ReadPipe(ctx context.Context, id, remote string) (<-chan types.Event, error) {
	return c.readEvents(ctx, channelPath("pipes", id, "read"), remoteQuery(remote))
}

func (c *Client) CreatePty(ctx context.Context, arg types.PtyArg, remote string) (*types.PtyOutput, error) {
	var output types.PtyOutput
	if err := c.call(ctx, http.MethodPost, "/ptys", remoteQuery(remote), arg, &output); err != nil {
		return nil, err
	}
	return &output, nil
}

func (c *Client) GetPtySize(ctx context.Context, id, remote string) (*types.WindowSize, error) {
	var size types.WindowSize
	if err := c.call(ctx, http.MethodGet, channelPath("ptys", id, "size"), remoteQuery(remote), nil, &size); err != nil {
		return nil, err
	}
	return &size, nil
}

func (c *Client) SetPtySize(ctx context.Context, id string, size types.WindowSize, remote string) error {
	return c.call(ctx, http.MethodPut, channelPath("ptys", id, "size"), remoteQuery(remote), size, nil)
}

func (c *Client) ClosePty(ctx context.Context, id, remote string) error {
	return c.call(ctx, http.MethodPost, channelPath("ptys", id, "close"), remoteQuery(remote), nil, nil)
}

func (c *Client) DeletePty(ctx context.Context, id, remote string) error {
	return c.call(ctx, http.MethodDelete, channelPath("ptys", id, ""), remoteQuery(remote), nil, nil)
}

func (c *Client) WritePty(ctx context.Context, id string, master bool, events <-chan types.Event, remote string) error {
	q := remoteQuery(remote)
	q.Set("master", strconv.FormatBool(master))
	return c.writeEvents(ctx, channelPath("ptys", id, "write"), q, events)
}

func (c *Client) ReadPty(ctx context.Context, id string, master bool, remote string) (<-chan types.Event, error) {
	q := remoteQuery(remote)
	q.Set("master", strconv.FormatBool(master))
	return c.readEvents(ctx, channelPath("ptys", id, "read"), q)
}
