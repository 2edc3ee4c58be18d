// Package main provides the container healthcheck probe for the
// groundsync daemon. It GETs the readiness endpoint and exits 0 on a
// 2xx response, 1 otherwise.
//
// Usage: healthcheck [url]
//
// Without an argument the probe targets <server>/readyz, where
// <server> comes from GROUNDSYNC_SERVER or defaults to
// http://localhost:8080.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if err := probe(probeURL()); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

func probeURL() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	server := os.Getenv("GROUNDSYNC_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	return strings.TrimSuffix(server, "/") + "/readyz"
}

func probe(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}
	return nil
}
