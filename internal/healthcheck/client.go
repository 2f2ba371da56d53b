package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/samber/lo"
)

// ErrNoUsage means the sidecar answered without any readable volume.
var ErrNoUsage = errors.New("no disk usage data")

// Client can be used to query the usage sidecar.
type Client struct {
	httpDo func(req *http.Request) (*http.Response, error)
}

func NewClient(client *http.Client) *Client {
	return &Client{
		httpDo: client.Do,
	}
}

// DiskUsage returns statistics for every readable volume of the sidecar at host.
// Do not include the port in the host.
func (c Client) DiskUsage(ctx context.Context, host string) ([]DiskUsageResponse, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("url parse: %w", err)
	}
	u.Host = net.JoinHostPort(u.Host, strconv.Itoa(Port))
	u.Path = DiskPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	resp, err := c.httpDo(req)
	if err != nil {
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	var diskResps []DiskUsageResponse
	if err = json.NewDecoder(resp.Body).Decode(&diskResps); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	diskResps = lo.Filter(diskResps, func(item DiskUsageResponse, _ int) bool {
		return item.Error == "" && item.AllBytes != 0
	})
	if len(diskResps) == 0 {
		return nil, ErrNoUsage
	}
	return diskResps, nil
}
