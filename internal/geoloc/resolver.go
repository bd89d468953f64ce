// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package geoloc resolves activity IPs to locations, maintains per-user
// behavioral fingerprints, and detects anomalies.
package geoloc

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/playlens/playlens/internal/models"
)

// Resolver maps an IP address to a geolocation.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*models.Geolocation, error)
}

var ipPattern = regexp.MustCompile(`\b((?:\d{1,3}\.){3}\d{1,3}|[0-9a-fA-F:]*:[0-9a-fA-F:]+)\b`)

// ExtractIP pulls the first IP address out of an activity's shortOverview
// text. Returns empty when no parseable address is present.
func ExtractIP(text string) string {
	for _, match := range ipPattern.FindAllString(text, -1) {
		if net.ParseIP(match) != nil {
			return match
		}
	}
	return ""
}

// IsPrivateIP reports whether an address never leaves the local network:
// RFC 1918/4193 ranges, loopback, and link-local.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast()
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// HTTPResolver resolves public IPs through the ip-api.com JSON endpoint.
// Private addresses short-circuit without any network traffic.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPResolver builds a resolver. The free ip-api tier allows 45
// requests per minute; the limiter keeps bursts under that.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(1500*time.Millisecond), 5),
	}
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, ip string) (*models.Geolocation, error) {
	if IsPrivateIP(ip) {
		return &models.Geolocation{IPAddress: ip, IsPrivateIP: true}, nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/"+ip, nil)
	if err != nil {
		return nil, fmt.Errorf("build geo request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup %s: status %d", ip, resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode geo response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("geo lookup %s: %s", ip, body.Message)
	}

	return &models.Geolocation{
		IPAddress:   ip,
		CountryCode: body.CountryCode,
		Country:     body.Country,
		Region:      body.RegionName,
		City:        body.City,
		Latitude:    body.Lat,
		Longitude:   body.Lon,
		Timezone:    body.Timezone,
	}, nil
}
