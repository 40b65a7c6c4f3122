package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteClient invokes tools hosted on an external tool server. A remote
// tool named "fetch" is called as POST {base}/tools/fetch/invoke with the
// arguments as the JSON body, and responds with the payload object.
type RemoteClient struct {
	BaseURL string
	Token   string

	client  *http.Client
	retries int
	backoff time.Duration
}

// NewRemoteClient builds a client with retry-with-backoff semantics for
// transient transport failures.
func NewRemoteClient(baseURL, token string, timeout time.Duration, retries int, backoff time.Duration) *RemoteClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if backoff == 0 {
		backoff = 300 * time.Millisecond
	}
	return &RemoteClient{
		BaseURL: baseURL,
		Token:   token,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		backoff: backoff,
	}
}

// Handler returns a registry Handler that proxies invocations of name to
// the remote server. The local and remote contracts are identical, so a
// remote tool is indistinguishable from a local one to callers.
func (c *RemoteClient) Handler(name string) Handler {
	return func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		var out map[string]interface{}
		url := fmt.Sprintf("%s/tools/%s/invoke", c.BaseURL, name)
		if err := c.doJSON(ctx, url, args, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (c *RemoteClient) doJSON(ctx context.Context, url string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return Invalid(fmt.Errorf("marshal arguments: %w", err))
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				switch {
				case resp.StatusCode >= 200 && resp.StatusCode < 300:
					if out != nil {
						lastErr = json.NewDecoder(resp.Body).Decode(out)
					} else {
						lastErr = nil
					}
				case resp.StatusCode >= 400 && resp.StatusCode < 500:
					b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
					lastErr = Permanent(errors.New(resp.Status + ": " + string(b)))
				default:
					b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
					lastErr = errors.New(resp.Status + ": " + string(b))
				}
			}()
			if lastErr == nil {
				return nil
			}
			var ke KindError
			if errors.As(lastErr, &ke) && ke.Kind == ErrPermanent {
				return lastErr
			}
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
