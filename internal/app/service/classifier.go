package service

import (
	"context"
	"net/http"
	"net/netip"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sifan077/pageviews/internal/app/model"
	"go.uber.org/zap"
)

// SkipReason explains why a request was not tracked. SkipNone means trackable.
type SkipReason string

const (
	SkipNone     SkipReason = ""
	SkipMethod   SkipReason = "method"
	SkipStatus   SkipReason = "status"
	SkipAdmin    SkipReason = "admin"
	SkipAJAX     SkipReason = "ajax"
	SkipPath     SkipReason = "path"
	SkipIP       SkipReason = "ip"
	SkipBot      SkipReason = "bot"
	SkipThrottle SkipReason = "throttle"
)

// Request is the framework-neutral description of a served page.
type Request struct {
	Method        string
	Path          string
	Status        int
	UserAgent     string
	RequestedWith string
	// ClientIP is the normalized client address, see ResolveClientIP.
	ClientIP string
	// UserID is set for authenticated visitors.
	UserID  string
	Session SessionAccessor
	Route   *RouteMatch
}

// SessionAccessor exposes the visitor session. Ensure creates and persists a
// session when none exists yet.
type SessionAccessor interface {
	Key() string
	Ensure() (string, error)
}

// ClassifierConfig lists the exclusion rules.
type ClassifierConfig struct {
	ExcludeAdmin bool
	AdminPrefix  string
	ExcludeAJAX  bool
	ExcludePaths []string
	ExcludeIPs   []string
	BotPatterns  []string
}

// Classifier decides whether a request is tracked and what it is a view of.
type Classifier struct {
	cfg         ClassifierConfig
	botPatterns []string
	ipFilter    *bloom.BloomFilter
	ipSet       map[string]struct{}
	logger      *zap.Logger
	metrics     *Metrics
}

// NewClassifier builds a classifier from cfg.
func NewClassifier(cfg ClassifierConfig, logger *zap.Logger, metrics *Metrics) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AdminPrefix == "" {
		cfg.AdminPrefix = "/admin/"
	}

	c := &Classifier{
		cfg:      cfg,
		ipFilter: bloom.NewWithEstimates(uint(max(len(cfg.ExcludeIPs), 1)), 0.001),
		ipSet:    make(map[string]struct{}, len(cfg.ExcludeIPs)),
		logger:   logger,
		metrics:  metricsOrDefault(metrics),
	}
	for _, p := range cfg.BotPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.botPatterns = append(c.botPatterns, p)
		}
	}
	for _, raw := range cfg.ExcludeIPs {
		ip := NormalizeIP(raw)
		if ip == "" {
			ip = strings.TrimSpace(raw)
		}
		c.ipFilter.AddString(ip)
		c.ipSet[ip] = struct{}{}
	}
	return c
}

// Classify applies the eligibility rules in order and, when the request is
// trackable, resolves the visit. Subject resolution failures are logged and
// the visit is kept as a bare URL visit.
func (c *Classifier) Classify(ctx context.Context, req Request) (model.ResolvedVisit, SkipReason) {
	if reason := c.skipReason(req); reason != SkipNone {
		c.metrics.Skipped.WithLabelValues(string(reason)).Inc()
		return model.ResolvedVisit{}, reason
	}

	visit := model.ResolvedVisit{URL: req.Path}
	if req.Route != nil {
		visit.ViewName = req.Route.Name
		subject, err := ResolveSubject(ctx, *req.Route)
		if err != nil {
			c.logger.Warn("failed to resolve tracked object",
				zap.String("path", req.Path),
				zap.String("view_name", req.Route.Name),
				zap.Error(err))
		} else if subject != nil && subject.Valid() {
			visit.Subject = subject
		}
	}
	return visit, SkipNone
}

func (c *Classifier) skipReason(req Request) SkipReason {
	if req.Method != http.MethodGet {
		return SkipMethod
	}
	if req.Status != http.StatusOK {
		return SkipStatus
	}
	if c.cfg.ExcludeAdmin && strings.HasPrefix(req.Path, c.cfg.AdminPrefix) {
		return SkipAdmin
	}
	if c.cfg.ExcludeAJAX && strings.EqualFold(req.RequestedWith, "XMLHttpRequest") {
		return SkipAJAX
	}
	for _, p := range c.cfg.ExcludePaths {
		if p != "" && strings.Contains(req.Path, p) {
			return SkipPath
		}
	}
	if c.excludedIP(req.ClientIP) {
		return SkipIP
	}
	ua := strings.ToLower(req.UserAgent)
	for _, p := range c.botPatterns {
		if strings.Contains(ua, p) {
			return SkipBot
		}
	}
	return SkipNone
}

func (c *Classifier) excludedIP(ip string) bool {
	if len(c.ipSet) == 0 || !c.ipFilter.TestString(ip) {
		return false
	}
	_, ok := c.ipSet[ip]
	return ok
}

// ResolveSubject finds the object a handler displays. An explicit
// TrackedObjectProvider answer is final. Otherwise the detail accessor, the
// first list element and a declared-model lookup are tried in turn and the
// first non-empty result wins.
func ResolveSubject(ctx context.Context, route RouteMatch) (*model.Subject, error) {
	if route.Handler == nil {
		return nil, nil
	}

	if p, ok := route.Handler.(TrackedObjectProvider); ok {
		return p.TrackedObject(ctx, route)
	}

	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if p, ok := route.Handler.(ObjectProvider); ok {
		s, err := p.Object(ctx, route)
		if err != nil {
			keep(err)
		} else if s != nil && s.Valid() {
			return s, nil
		}
	}

	if p, ok := route.Handler.(ListProvider); ok {
		list, err := p.ObjectList(ctx, route)
		if err != nil {
			keep(err)
		} else if len(list) > 0 && list[0].Valid() {
			s := list[0]
			return &s, nil
		}
	}

	if p, ok := route.Handler.(ModelProvider); ok {
		if m := p.Model(); m != nil {
			for _, field := range lookupFields {
				value, present := route.Params[field]
				if !present || value == "" {
					continue
				}
				id, found, err := m.Lookup(ctx, field, value)
				if err != nil {
					keep(err)
					continue
				}
				if found {
					return SubjectOf(m, id), nil
				}
			}
		}
	}

	return nil, firstErr
}

// HeaderGetter returns a request header value.
type HeaderGetter func(name string) string

// ResolveClientIP picks the client address from proxy headers, falling back
// to the socket address, and normalizes it.
func ResolveClientIP(header HeaderGetter, remoteAddr string) string {
	var raw string
	switch {
	case header("CF-Connecting-IP") != "":
		raw = header("CF-Connecting-IP")
	case header("X-Forwarded-For") != "":
		raw, _, _ = strings.Cut(header("X-Forwarded-For"), ",")
	case header("X-Real-IP") != "":
		raw = header("X-Real-IP")
	default:
		raw = remoteAddr
	}
	return NormalizeIP(raw)
}

// NormalizeIP strips ports, brackets and IPv6 zones. Unparseable input
// yields "".
func NormalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().WithZone("").Unmap().String()
	}
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.WithZone("").Unmap().String()
	}
	return ""
}
