/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package strategy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// cliEndpoint is one entry in the fixed allow-list. Only public, read-only
// APIs belong here; the list is compiled in and never extended from skill
// files or parameters.
type cliEndpoint struct {
	url         string
	description string
}

var cliAllowList = map[string]cliEndpoint{
	"weather": {
		url:         "https://wttr.in/{location}?format=3",
		description: "Current weather for a location",
	},
	"hn_top": {
		url:         "https://hacker-news.firebaseio.com/v0/topstories.json",
		description: "Hacker News top story ids",
	},
	"hn_item": {
		url:         "https://hacker-news.firebaseio.com/v0/item/{id}.json",
		description: "A single Hacker News item",
	},
	"github_repo": {
		url:         "https://api.github.com/repos/{owner}/{repo}",
		description: "Public GitHub repository metadata",
	},
	"crypto_price": {
		url:         "https://api.coingecko.com/api/v3/simple/price?ids={coin}&vs_currencies=usd",
		description: "Spot price of a cryptocurrency in USD",
	},
	"ip_info": {
		url:         "https://ipinfo.io/{ip}/json",
		description: "Geolocation info for an IP address",
	},
}

// CLI serves the small fixed set of public read-only API wrappers. A
// command reaches it either through an explicit cli template name or
// through a skill whose connection type is cli, in which case the command
// name selects the endpoint.
type CLI struct {
	client *http.Client
}

func NewCLI() *CLI {
	return &CLI{client: &http.Client{Timeout: 15 * time.Second}}
}

// Endpoints lists the allow-listed endpoint names, sorted.
func (c *CLI) Endpoints() []string {
	names := make([]string, 0, len(cliAllowList))
	for name := range cliAllowList {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute resolves name against the allow-list and performs the GET.
// Unknown names fail; there is no fallback to arbitrary URLs.
func (c *CLI) Execute(ctx context.Context, name string, params Params) Result {
	start := time.Now()

	endpoint, ok := cliAllowList[name]
	if !ok {
		return Failure("cli endpoint %q is not in the allow-list", name)
	}

	url := interpolate(endpoint.url, params)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Failure("build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("GET %s: %v", url, err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("read response: %v", err), Duration: time.Since(start)}
	}
	if resp.StatusCode >= 400 {
		return Result{
			Success:  false,
			Error:    fmt.Sprintf("GET %s: HTTP %d: %s", url, resp.StatusCode, truncate(string(raw), 512)),
			Duration: time.Since(start),
		}
	}
	return Result{Success: true, Output: string(raw), Duration: time.Since(start)}
}
