package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/crawlkit/crawlkit/internal/fetcher"
	"github.com/crawlkit/crawlkit/internal/types"
)

// Built-in middleware covering robots.txt, proxy rotation, and session
// cookies. None of these are wired into the engine by default — baked-
// in politeness/admission-control beyond a per-request delay is opt-in,
// so a spider attaches them explicitly via Registry.UseRequest/UseResponse.

// RobotsMiddleware returns types.ErrBlocked for requests disallowed by
// the target domain's robots.txt, fetching and caching one robotsData
// record per domain. Registry.RunRequest logs a hook error and carries
// on, so a disallowed request is still fetched.
type RobotsMiddleware struct {
	mu     sync.RWMutex
	cache  map[string]*robotsData
	client *http.Client
}

type robotsData struct {
	disallowed []string
	allowed    []string
	fetchedAt  time.Time
}

// NewRobotsMiddleware creates a RobotsMiddleware with its own robots.txt
// fetch client.
func NewRobotsMiddleware() *RobotsMiddleware {
	return &RobotsMiddleware{
		cache:  make(map[string]*robotsData),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// RequestHook returns the RequestFunc to register with Registry.UseRequest.
func (rm *RobotsMiddleware) RequestHook() RequestFunc {
	return func(_ Spider, req *types.Request) error {
		if req.URL == nil {
			return nil
		}
		domain := req.URL.Scheme + "://" + req.URL.Host
		data := rm.get(domain)
		if data == nil {
			return nil
		}
		path := req.URL.Path
		if path == "" {
			path = "/"
		}
		for _, pattern := range data.allowed {
			if matchRobotsPattern(pattern, path) {
				return nil
			}
		}
		for _, pattern := range data.disallowed {
			if matchRobotsPattern(pattern, path) {
				return types.ErrBlocked
			}
		}
		return nil
	}
}

func (rm *RobotsMiddleware) get(domain string) *robotsData {
	rm.mu.RLock()
	data, ok := rm.cache[domain]
	rm.mu.RUnlock()
	if ok && time.Since(data.fetchedAt) < time.Hour {
		return data
	}

	resp, err := rm.client.Get(domain + "/robots.txt")
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}

	parsed := parseRobotsTxt(string(body))
	rm.mu.Lock()
	rm.cache[domain] = parsed
	rm.mu.Unlock()
	return parsed
}

func parseRobotsTxt(body string) *robotsData {
	data := &robotsData{fetchedAt: time.Now()}
	relevant := false
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		switch key {
		case "user-agent":
			relevant = val == "*"
		case "disallow":
			if relevant && val != "" {
				data.disallowed = append(data.disallowed, val)
			}
		case "allow":
			if relevant && val != "" {
				data.allowed = append(data.allowed, val)
			}
		}
	}
	return data
}

func matchRobotsPattern(pattern, path string) bool {
	pattern = strings.ReplaceAll(pattern, "*", "")
	return strings.HasPrefix(path, pattern)
}

// ProxyRotateMiddleware assigns each outgoing request a proxy URL from
// a rotating pool, stashed under Request.Extras["proxy_url"]. None of
// this module's fetchers reads that key.
type ProxyRotateMiddleware struct {
	manager *fetcher.ProxyManager
	logger  *slog.Logger
}

// NewProxyRotateMiddleware wraps an existing ProxyManager (see
// internal/fetcher) as request-side middleware.
func NewProxyRotateMiddleware(manager *fetcher.ProxyManager, logger *slog.Logger) *ProxyRotateMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyRotateMiddleware{manager: manager, logger: logger.With("component", "proxy_rotate_middleware")}
}

// RequestHook returns the RequestFunc to register with Registry.UseRequest.
func (m *ProxyRotateMiddleware) RequestHook() RequestFunc {
	return func(_ Spider, req *types.Request) error {
		proxyURL := m.manager.Next()
		if proxyURL == nil {
			return nil
		}
		req.Extras["proxy_url"] = proxyURL.String()
		return nil
	}
}

// SessionCookieMiddleware stashes a live fetcher.Session wrapping the
// per-domain cookie jar under Request.Extras["session"] (spec §3's one
// explicitly non-serializable field — a request carrying one degrades
// to local-only scheduling). None of this module's fetchers reads that
// key; HTTPFetcher sends and stores cookies through its own jar.
type SessionCookieMiddleware struct {
	manager *fetcher.SessionManager
}

// NewSessionCookieMiddleware wraps an existing SessionManager.
func NewSessionCookieMiddleware(manager *fetcher.SessionManager) *SessionCookieMiddleware {
	return &SessionCookieMiddleware{manager: manager}
}

// RequestHook attaches the domain's live session handle to the request.
func (m *SessionCookieMiddleware) RequestHook() RequestFunc {
	return func(_ Spider, req *types.Request) error {
		domain := req.Domain()
		if domain == "" {
			return nil
		}
		req.Extras["session"] = fetcher.NewSession(m.manager.GetJar(domain))
		return nil
	}
}

// ResponseHook stores any cookies the response set into the domain's
// jar held by the SessionManager.
func (m *SessionCookieMiddleware) ResponseHook() ResponseFunc {
	return func(_ Spider, req *types.Request, resp *types.Response) error {
		if len(resp.Headers.Values("Set-Cookie")) == 0 {
			return nil
		}
		u, err := url.Parse(resp.FinalURL)
		if err != nil {
			return nil
		}
		jar := m.manager.GetJar(u.Hostname())
		var cookies []*http.Cookie
		header := http.Header{"Set-Cookie": resp.Headers.Values("Set-Cookie")}
		cookies = (&http.Response{Header: header}).Cookies()
		jar.SetCookies(u, cookies)
		return nil
	}
}
