package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/rafflelive/raffle-backend/pkg/types"
)

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}

// WebsocketDialer connects to the server's /ws endpoint with the user's
// trusted identity header attached.
func WebsocketDialer(baseURL, userID string, httpClient *http.Client) Dialer {
	return func(ctx context.Context, drawID string) (Conn, error) {
		u := fmt.Sprintf("%s/ws?draw=%s", baseURL, url.QueryEscape(drawID))
		header := http.Header{}
		if userID != "" {
			header.Set("X-User-ID", userID)
		}
		c, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
			HTTPClient: httpClient,
			HTTPHeader: header,
		})
		if err != nil {
			return nil, err
		}
		return wsConn{c: c}, nil
	}
}

// HTTPSnapshot fetches the draw's current number statuses, used after
// every successful open to close the gap between last known state and
// current truth.
func HTTPSnapshot(baseURL string, httpClient *http.Client) SnapshotFunc {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return func(ctx context.Context, drawID string) (types.SnapshotResponse, error) {
		u := fmt.Sprintf("%s/draws/%s/numbers", baseURL, url.PathEscape(drawID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return types.SnapshotResponse{}, err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return types.SnapshotResponse{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return types.SnapshotResponse{}, fmt.Errorf("snapshot: unexpected status %d", resp.StatusCode)
		}
		var snap types.SnapshotResponse
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return types.SnapshotResponse{}, err
		}
		return snap, nil
	}
}
