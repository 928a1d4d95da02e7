// Package status reports service health for the status indicator in the
// student UI, derived from an Uptime Kuma public status page.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutorbot/tutorbot/internal/httpkit"
)

// Level is the overall service status.
type Level string

// Status levels.
const (
	Operational Level = "operational"
	Degraded    Level = "degraded"
	Down        Level = "down"
	Unknown     Level = "unknown"
)

// Group criticality values.
const (
	Essential    = "essential"
	NonEssential = "non-essential"
)

// heartbeatUp is Uptime Kuma's status code for a passing check.
const heartbeatUp = 1

// cacheTTL bounds how often Uptime Kuma is queried.
const cacheTTL = 15 * time.Second

// Result is the payload of GET /status.
type Result struct {
	Status        Level     `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	StatusPageURL string    `json:"status_page_url,omitempty"`
}

// Config locates the status page.
type Config struct {
	Enabled       bool
	BaseURL       string
	Slug          string
	StatusPageURL string
	// Groups maps status page group names to Essential or NonEssential.
	// Unmapped groups are essential.
	Groups map[string]string
}

type monitor struct {
	ID int `json:"id"`
}

type group struct {
	Name        string    `json:"name"`
	MonitorList []monitor `json:"monitorList"`
}

type heartbeat struct {
	Status int `json:"status"`
}

// Checker fetches and caches the overall status.
type Checker struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cached *Result
}

// NewChecker returns a Checker. A nil client gets a 10 second timeout.
func NewChecker(cfg Config, client *http.Client, logger *slog.Logger) *Checker {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Checker{cfg: cfg, client: client, logger: logger, now: time.Now}
}

// Check returns the current status. A disabled checker reports Unknown;
// an unreachable status page reports Down.
func (c *Checker) Check(ctx context.Context) Result {
	now := c.now()
	res := Result{Status: Unknown, Timestamp: now.UTC(), StatusPageURL: c.cfg.StatusPageURL}
	if !c.cfg.Enabled {
		return res
	}

	c.mu.Lock()
	if c.cached != nil && now.Sub(c.cached.Timestamp) < cacheTTL {
		cached := *c.cached
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	res.Status = c.fetch(ctx)

	c.mu.Lock()
	c.cached = &res
	c.mu.Unlock()
	return res
}

func (c *Checker) fetch(ctx context.Context) Level {
	var page struct {
		PublicGroupList []group `json:"publicGroupList"`
	}
	var beats struct {
		HeartbeatList map[string][]heartbeat `json:"heartbeatList"`
	}

	g, gctx := errgroup.WithContext(ctx)
	var badStatus bool
	var mu sync.Mutex
	get := func(path string, v any) func() error {
		return func() error {
			code, err := c.getJSON(gctx, path, v)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				mu.Lock()
				badStatus = true
				mu.Unlock()
			}
			return nil
		}
	}
	g.Go(get("/api/status-page/"+c.cfg.Slug, &page))
	g.Go(get("/api/status-page/heartbeat/"+c.cfg.Slug, &beats))

	if err := g.Wait(); err != nil {
		c.logger.Warn("status page unreachable", "error", err)
		return Down
	}
	if badStatus {
		return Unknown
	}
	return overall(page.PublicGroupList, beats.HeartbeatList, c.cfg.Groups)
}

func (c *Checker) getJSON(ctx context.Context, path string, v any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

// overall folds monitor heartbeats into one Level: any essential
// monitor not up is Down, any other monitor not up is Degraded, no data
// at all is Unknown. A monitor without heartbeats counts as not up.
func overall(groups []group, beats map[string][]heartbeat, criticality map[string]string) Level {
	if len(groups) == 0 || len(beats) == 0 {
		return Unknown
	}

	var essentialDown, otherDown bool
	for _, g := range groups {
		essential := criticality[g.Name] != NonEssential
		for _, m := range g.MonitorList {
			hb := beats[strconv.Itoa(m.ID)]
			if len(hb) > 0 && hb[len(hb)-1].Status == heartbeatUp {
				continue
			}
			if essential {
				essentialDown = true
			} else {
				otherDown = true
			}
		}
	}

	switch {
	case essentialDown:
		return Down
	case otherDown:
		return Degraded
	default:
		return Operational
	}
}
