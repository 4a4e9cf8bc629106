package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/geoweaver/gwrelay/delivery"
	"github.com/geoweaver/gwrelay/history"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// messages larger than the default 32KiB are common for long output lines
const watchReadLimit = 1 << 20

// ErrNotFound is returned when the server has no such record.
var ErrNotFound = errors.New("not found")

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	tlsConfig                *tls.Config
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("relay_client").Sugar()
	}
}

// WithClientTLSConfig is required for a server using mutual TLS, see ClientTLSConfig.
func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the server at baseURL, e.g. "http://127.0.0.1:8080".
// With TLS the scheme must be https.
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("relay_client"),
		baseURL:      strings.TrimRight(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	if c.tlsConfig != nil {
		retryClient.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: c.tlsConfig},
		}
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	// a 500 is the server's answer, not a transient failure; retrying a run would start it again
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil && resp.StatusCode == http.StatusInternalServerError {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode >= 300:
		var msg string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			msg = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			msg = strings.TrimSpace(string(b))
		}
		return fmt.Errorf("non-2xx HTTP status code %d received for %s %s: %s", resp.StatusCode, method, path, msg)
	}

	if out == nil {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, bytes.NewReader(b), out)
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	_, err := c.Heartbeat(ctx)
	return err
}

func (c *Client) Heartbeat(ctx context.Context) (*HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HeartbeatResponse
	err := c.do(ctx, http.MethodGet, "/heartbeat", nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// Run asks the server to run a command and returns the id of its history record.
func (c *Client) Run(ctx context.Context, req RunRequest) (string, error) {
	var resp RunResponse
	err := c.doJSON(ctx, http.MethodPost, "/run", req, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Watch attaches to the token's session over WebSocket and calls fn for every message until
// fn returns false, the server closes the connection, or ctx is done.
func (c *Client) Watch(ctx context.Context, token string, fn func(Message) bool) error {
	u := c.baseURL + "/ws/" + url.PathEscape(token)
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "")
	wsConn.SetReadLimit(watchReadLimit)

	for {
		_, b, err := wsConn.Read(ctx)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading WebSocket message: %w", err)
		}
		id, payload, ok := delivery.Parse(string(b))
		if !ok {
			c.Logger.Debugf("ignoring malformed message %q", b)
			continue
		}
		if !fn(Message{RecordID: id, Payload: payload}) {
			return nil
		}
	}
}

// Poll returns the messages queued for the token, waiting up to wait for the first one.
func (c *Client) Poll(ctx context.Context, token string, wait time.Duration) ([]Message, error) {
	path := "/poll/" + url.PathEscape(token)
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	var resp PollResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		id, payload, ok := delivery.Parse(m)
		if !ok {
			c.Logger.Debugf("ignoring malformed message %q", m)
			continue
		}
		msgs = append(msgs, Message{RecordID: id, Payload: payload})
	}
	return msgs, nil
}

func (c *Client) History(ctx context.Context, id string) (*history.Record, error) {
	var r history.Record
	err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(id), nil, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) RecentByHost(ctx context.Context, host string, limit int) ([]*history.Record, error) {
	path := "/hosts/" + url.PathEscape(host) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var recs []*history.Record
	err := c.do(ctx, http.MethodGet, path, nil, &recs)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *Client) UpdateNotes(ctx context.Context, id, notes string) error {
	return c.do(ctx, http.MethodPut, "/history/"+url.PathEscape(id)+"/notes", strings.NewReader(notes), nil)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/history/"+url.PathEscape(id)+"/stop", nil, nil)
}

func (c *Client) SaveSkipped(ctx context.Context, id, processRef, hostRef string) error {
	req := SkippedRequest{ProcessRef: processRef, HostRef: hostRef}
	return c.doJSON(ctx, http.MethodPost, "/history/"+url.PathEscape(id)+"/skipped", req, nil)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/history/"+url.PathEscape(id), nil, nil)
}

// DeleteByHost deletes the recent records of a host. With keepNotes, records that have notes are kept.
func (c *Client) DeleteByHost(ctx context.Context, host string, keepNotes bool) ([]string, error) {
	path := "/hosts/" + url.PathEscape(host) + "/history"
	if keepNotes {
		path += "?keep=notes"
	}
	var resp DeleteResponse
	err := c.do(ctx, http.MethodDelete, path, nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Deleted, nil
}

// ProcessHistory lists the records of a process, newest first. With ignoreSkipped, Skipped and
// Unknown records are left out.
func (c *Client) ProcessHistory(ctx context.Context, process string, ignoreSkipped bool) ([]*history.Record, error) {
	path := "/processes/" + url.PathEscape(process) + "/history"
	if ignoreSkipped {
		path += "?ignoreSkipped=true"
	}
	var recs []*history.Record
	err := c.do(ctx, http.MethodGet, path, nil, &recs)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// DeleteFailed deletes the Failed records of a process and returns their ids.
func (c *Client) DeleteFailed(ctx context.Context, process string) ([]string, error) {
	path := "/processes/" + url.PathEscape(process) + "/history?status=" + url.QueryEscape(string(history.StatusFailed))
	var resp DeleteResponse
	err := c.do(ctx, http.MethodDelete, path, nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Deleted, nil
}
