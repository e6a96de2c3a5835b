// Package geo resolves peer IP addresses to location metadata.
package geo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ipinfo/go/v2/ipinfo"

	"peerdir/pkg/proto"
)

// Lookup resolves one IP address.
type Lookup interface {
	Lookup(ctx context.Context, ip string) (*proto.GeoInfo, error)
}

// IPInfo resolves addresses through the ipinfo.io API. Caching is left to the
// Augmenter, so the SDK client runs without its own cache.
type IPInfo struct {
	client *ipinfo.Client
}

// NewIPInfo builds a lookup against baseURL (empty means ipinfo.io).
func NewIPInfo(baseURL, token string, timeout time.Duration, httpClient *http.Client) (*IPInfo, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	if httpClient != nil {
		copied := *httpClient
		if copied.Timeout <= 0 {
			copied.Timeout = timeout
		}
		hc = &copied
	}
	client := ipinfo.NewClient(hc, nil, token)
	if baseURL != "" {
		u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("ipinfo base url: %w", err)
		}
		client.BaseURL = u
	}
	return &IPInfo{client: client}, nil
}

func (c *IPInfo) Lookup(ctx context.Context, ip string) (*proto.GeoInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("ipinfo %s: invalid address", ip)
	}
	core, err := c.client.GetIPInfo(addr)
	if err != nil {
		var apiErr *ipinfo.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.Response != nil {
			return nil, fmt.Errorf("ipinfo %s: http %d: %w", ip, apiErr.Response.StatusCode, err)
		}
		return nil, fmt.Errorf("ipinfo %s: %w", ip, err)
	}
	if core.Bogon {
		return nil, fmt.Errorf("ipinfo %s: bogon address", ip)
	}
	return coreToGeo(ip, core), nil
}

func coreToGeo(ip string, core *ipinfo.Core) *proto.GeoInfo {
	geo := &proto.GeoInfo{
		IP:          ip,
		Hostname:    core.Hostname,
		City:        core.City,
		Region:      core.Region,
		Country:     core.CountryName,
		CountryCode: core.Country,
		Loc:         core.Location,
		Org:         core.Org,
		Postal:      core.Postal,
		Timezone:    core.Timezone,
	}
	if core.IP != nil {
		geo.IP = core.IP.String()
	}
	if geo.Country == "" {
		geo.Country = core.Country
	}
	return geo
}
