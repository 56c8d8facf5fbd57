package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/docpress/docpress/errors"
)

// apiClient is the shared JSON-over-HTTP plumbing for the remote backend
// variants. It owns the failure classification: timeouts map to ErrTimeout,
// connection failures and 5xx to ErrUnavailable, 4xx to ErrRejected. Raw
// response bodies stay in operator logs and never propagate in errors.
type apiClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
	logger  *zap.SugaredLogger
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return errors.Wrapf(ErrTimeout, "%s %s", method, path)
		}
		c.logger.Warnw("Backend request failed",
			"method", method,
			"path", path,
			"error", err,
		)
		return errors.Wrapf(ErrUnavailable, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "read response for %s %s", method, path)
	}

	switch {
	case resp.StatusCode >= 500:
		c.logger.Warnw("Backend returned server error",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", truncate(raw, 500),
		)
		return errors.Wrapf(ErrUnavailable, "%s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		c.logger.Warnw("Backend rejected request",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", truncate(raw, 500),
		)
		return errors.Wrapf(ErrRejected, "%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			c.logger.Warnw("Backend returned unparseable response",
				"method", method,
				"path", path,
				"body", truncate(raw, 500),
			)
			return errors.Wrapf(ErrUnavailable, "decode response for %s %s", method, path)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
