package validate

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/temoto/robotstxt"
)

// robotsGate caches robots.txt per host and answers whether a source URL
// may be fetched. Hosts without a usable robots.txt allow everything.
type robotsGate struct {
	hc  *http.Client
	lru *expirable.LRU[string, *robotstxt.RobotsData]
	ua  string
}

func newRobotsGate(hc *http.Client, ua string) *robotsGate {
	return &robotsGate{
		hc:  hc,
		lru: expirable.NewLRU[string, *robotstxt.RobotsData](4096, nil, 24*time.Hour),
		ua:  ua,
	}
}

func (g *robotsGate) allowed(ctx context.Context, source string) bool {
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return true
	}
	rd := g.get(ctx, u.Host)
	grp := rd.FindGroup(g.ua)
	if grp == nil {
		grp = rd.FindGroup("*")
	}
	if grp == nil {
		return true
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return grp.Test(path)
}

func (g *robotsGate) get(ctx context.Context, host string) *robotstxt.RobotsData {
	if v, ok := g.lru.Get(host); ok {
		return v
	}
	urls := []string{"https://" + host + "/robots.txt", "http://" + host + "/robots.txt"}
	for _, ru := range urls {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ru, nil)
		req.Header.Set("User-Agent", g.ua)
		resp, err := g.hc.Do(req)
		if err != nil {
			continue
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			break
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			rd, err := robotstxt.FromBytes(b)
			if err != nil {
				break
			}
			g.lru.Add(host, rd)
			return rd
		}
	}
	rd, _ := robotstxt.FromBytes([]byte{})
	g.lru.Add(host, rd)
	return rd
}
