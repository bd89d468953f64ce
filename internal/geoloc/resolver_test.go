// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package geoloc

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"ipv4", "Session started from 203.0.113.5.", "203.0.113.5"},
		{"ipv6", "Connection from 2001:db8::1 accepted", "2001:db8::1"},
		{"invalid octets skipped", "bogus 999.999.999.999 then 198.51.100.7", "198.51.100.7"},
		{"no address", "User logged in locally", ""},
		{"version number not an ip", "client 10.9 connected", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractIP(tt.text); got != tt.want {
				t.Errorf("ExtractIP(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.10", true},
		{"10.0.0.1", true},
		{"172.16.5.4", true},
		{"127.0.0.1", true},
		{"169.254.10.1", true},
		{"fd00::1", true},
		{"203.0.113.5", false},
		{"2001:db8::1", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := IsPrivateIP(tt.ip); got != tt.want {
			t.Errorf("IsPrivateIP(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestHaversine(t *testing.T) {
	// Berlin to New York, roughly 6385 km.
	got := Haversine(52.52, 13.405, 40.7128, -74.006)
	if math.Abs(got-6385) > 50 {
		t.Errorf("Haversine(Berlin, NY) = %.0f km, want ~6385", got)
	}
	if d := Haversine(52.52, 13.405, 52.52, 13.405); d != 0 {
		t.Errorf("zero-distance = %f, want 0", d)
	}
}

func TestHTTPResolverSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/203.0.113.5" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"status":"success","country":"Germany","countryCode":"DE",
			"regionName":"Berlin","city":"Berlin","lat":52.52,"lon":13.405,"timezone":"Europe/Berlin"}`))
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL)
	geo, err := r.Resolve(context.Background(), "203.0.113.5")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if geo.CountryCode != "DE" || geo.City != "Berlin" || geo.Latitude != 52.52 {
		t.Errorf("geo = %+v", geo)
	}
	if geo.IsPrivateIP {
		t.Error("public address flagged private")
	}
}

func TestHTTPResolverFailStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL)
	if _, err := r.Resolve(context.Background(), "203.0.113.5"); err == nil {
		t.Fatal("expected error for fail status")
	}
}

func TestHTTPResolverPrivateShortCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("private address must not reach the network")
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL)
	geo, err := r.Resolve(context.Background(), "192.168.1.10")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !geo.IsPrivateIP || geo.IPAddress != "192.168.1.10" {
		t.Errorf("geo = %+v", geo)
	}
}
