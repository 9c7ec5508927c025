package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dghubble/oauth1"

	"github.com/c360/eventrelay/errors"
)

// DefaultIdleTimeout bounds the wait for the response headers and for any
// data once the stream is flowing.
const DefaultIdleTimeout = 90 * time.Second

const maxErrorBody = 4 << 10

// Credentials are the OAuth1 consumer and access token pairs.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
}

// OAuth1Client returns an HTTP client that signs every request with creds.
func OAuth1Client(creds Credentials) *http.Client {
	config := oauth1.NewConfig(creds.ConsumerKey, creds.ConsumerSecret)
	token := oauth1.NewToken(creds.AccessToken, creds.AccessSecret)
	return config.Client(context.Background(), token)
}

// HTTPDialer opens a long-lived GET request and reads its body as
// newline-delimited records.
type HTTPDialer struct {
	URL         string
	Params      url.Values
	Client      *http.Client
	IdleTimeout time.Duration
	UserAgent   string
}

// Dial issues the request. A non-2xx response is returned as an
// *UpstreamStatusError carrying up to 4 KiB of the body.
func (d *HTTPDialer) Dial(ctx context.Context) (Transport, error) {
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "HTTPDialer", "Dial", "parse url")
	}
	if len(d.Params) > 0 {
		q := target.Query()
		for k, vs := range d.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	idle := d.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	reqCtx, cancel := context.WithCancel(ctx)
	t := &httpTransport{cancel: cancel, idle: idle}
	t.timer = time.AfterFunc(idle, t.expire)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		t.stop()
		return nil, errors.WrapFatal(err, "HTTPDialer", "Dial", "build request")
	}
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		timedOut := t.timedOut.Load()
		t.stop()
		if timedOut {
			return nil, fmt.Errorf("%w: no response within %s", errors.ErrConnectionTimeout, idle)
		}
		return nil, fmt.Errorf("%w: %v", errors.ErrConnectionLost, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		t.stop()
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	t.body = resp.Body
	t.reader = bufio.NewReader(&idleReader{r: resp.Body, t: t})
	t.timer.Reset(idle)
	return t, nil
}

type httpTransport struct {
	body     io.ReadCloser
	reader   *bufio.Reader
	cancel   context.CancelFunc
	timer    *time.Timer
	idle     time.Duration
	timedOut atomic.Bool
	once     sync.Once
}

func (t *httpTransport) expire() {
	t.timedOut.Store(true)
	t.cancel()
}

func (t *httpTransport) stop() {
	t.once.Do(func() {
		t.timer.Stop()
		t.cancel()
	})
}

// ReadLine returns the next line with its "\n" or "\r\n" terminator removed.
// A final unterminated line is returned before io.EOF.
func (t *httpTransport) ReadLine() ([]byte, error) {
	line, err := t.reader.ReadBytes('\n')
	if err == nil || (err == io.EOF && len(line) > 0) {
		return trimEOL(line), nil
	}
	if t.timedOut.Load() {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: no data for %s", errors.ErrConnectionTimeout, t.idle), "HTTPDialer", "ReadLine", "read stream")
	}
	if err == io.EOF {
		return nil, io.EOF
	}
	return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "HTTPDialer", "ReadLine", "read stream")
}

func (t *httpTransport) Close() error {
	t.stop()
	if t.body != nil {
		return t.body.Close()
	}
	return nil
}

type idleReader struct {
	r io.Reader
	t *httpTransport
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.t.timer.Reset(r.t.idle)
	}
	return n, err
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'})
}
