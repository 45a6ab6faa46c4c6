package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/haivivi/chunkflow/pkg/cli"
)

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// apiError is a non-2xx response.
type apiError struct {
	Method  string
	URL     string
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: %s (status %d)", e.Method, e.URL, e.Message, e.Status)
}

func isNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// apiClient calls the server's HTTP routes.
type apiClient struct {
	ctx  *cli.Context
	http *http.Client
}

func newAPIClient(c *cli.Context) *apiClient {
	return &apiClient{ctx: c, http: &http.Client{Timeout: c.TimeoutDuration(30 * time.Second)}}
}

// do sends a request to the route elem and decodes the JSON response into
// out. Non-2xx responses become errors carrying the server's message.
func (a *apiClient) do(ctx context.Context, method string, body []byte, out any, elem ...string) error {
	url, err := a.ctx.Endpoint(elem...)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if a.ctx.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.ctx.Token)
	}
	slog.Debug("api request", "method", method, "url", url)
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		json.Unmarshal(data, &e)
		return &apiError{Method: method, URL: url, Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (a *apiClient) get(ctx context.Context, out any, elem ...string) error {
	return a.do(ctx, http.MethodGet, nil, out, elem...)
}
