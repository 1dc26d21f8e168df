package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/sifan077/pageviews/internal/app/repository"
	"github.com/sifan077/pageviews/internal/app/service"
	"github.com/sifan077/pageviews/internal/http/middleware"
	"github.com/sifan077/pageviews/internal/http/view"
	"go.uber.org/zap"
)

const (
	defaultTopLimit     = 10
	maxTopLimit         = 100
	defaultHistogramLen = 30
	maxHistogramLen     = 366
	defaultEventsLimit  = 50
	maxEventsLimit      = 500
	userAgentPreviewLen = 30
)

// ReportDeps groups dependencies required by the reporting handlers.
type ReportDeps struct {
	Logger    *zap.Logger
	Analytics *service.Analytics
	Store     repository.PageViewRepository
	Models    *service.ModelRegistry
}

// ReportHandler serves the read-only reporting API and the HTML report.
// Store failures degrade to empty results; only bad input is an error.
type ReportHandler struct {
	logger    *zap.Logger
	analytics *service.Analytics
	store     repository.PageViewRepository
	models    *service.ModelRegistry
	validate  *validator.Validate
}

// NewReportHandler creates a reporting handler with the provided dependencies.
func NewReportHandler(deps ReportDeps) *ReportHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportHandler{
		logger:    logger,
		analytics: deps.Analytics,
		store:     deps.Store,
		models:    deps.Models,
		validate:  validator.New(),
	}
}

// RegisterAPI wires the JSON reporting routes onto the API router.
func (h *ReportHandler) RegisterAPI(api fiber.Router) {
	pv := api.Group("/pageviews")
	{
		pv.Get("/count", h.Count)
		pv.Get("/unique/:type/:id", h.Unique)
		pv.Post("/batch-counts", h.BatchCounts)
		pv.Get("/popular/:type", h.Popular)
		pv.Get("/popular-urls", h.PopularURLs)
		pv.Get("/popular-view-names", h.PopularViewNames)
		pv.Get("/daily/:type/:id", h.Daily)
		pv.Get("/events", h.Events)
	}
}

// RegisterPages wires the HTML reports onto a router mounted at /reports.
func (h *ReportHandler) RegisterPages(reports fiber.Router) {
	reports.Get("/popular", middleware.Tracked("popular_report", reportPage{}, h.PopularReport))
}

// reportPage lists many objects and is about none of them, so views of it
// are recorded against the URL only.
type reportPage struct{}

func (reportPage) TrackedObject(context.Context, service.RouteMatch) (*model.Subject, error) {
	return nil, nil
}

// Count handles GET /api/pageviews/count
func (h *ReportHandler) Count(c *fiber.Ctx) error {
	w, err := parseWindow(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	q := service.CountQuery{
		URL:      c.Query("url"),
		ViewName: c.Query("view_name"),
		Window:   w,
	}
	typ, id := c.Query("type"), c.Query("id")
	if (typ == "") != (id == "") {
		return badRequest(c, "type and id must be given together")
	}
	if typ != "" {
		q.Subject = &model.Subject{Type: typ, ID: id}
	}

	n, err := h.analytics.Count(requestContext(c), q)
	if err != nil {
		h.logger.Error("failed to count page views", zap.Error(err))
		n = 0
	}
	return c.JSON(fiber.Map{
		"count":     n,
		"formatted": view.FormatNumber(float64(n), 1),
	})
}

// Unique handles GET /api/pageviews/unique/:type/:id
func (h *ReportHandler) Unique(c *fiber.Ctx) error {
	w, err := parseWindow(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	subject := model.Subject{Type: c.Params("type"), ID: c.Params("id")}

	n, err := h.analytics.UniqueVisitorCount(requestContext(c), subject, w)
	if err != nil {
		h.logger.Error("failed to count unique visitors", zap.Error(err), zap.Stringer("subject", subject))
		n = 0
	}
	return c.JSON(fiber.Map{"unique_visitors": n})
}

// BatchCountsRequest represents the request body for POST /api/pageviews/batch-counts.
type BatchCountsRequest struct {
	Type string   `json:"type" validate:"required,max=100"`
	IDs  []string `json:"ids" validate:"required,min=1,max=500,dive,required,max=64"`
	Days int      `json:"days,omitempty" validate:"gte=0"`
}

// BatchCounts handles POST /api/pageviews/batch-counts
func (h *ReportHandler) BatchCounts(c *fiber.Ctx) error {
	var req BatchCountsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	subjects := make([]model.Subject, len(req.IDs))
	for i, id := range req.IDs {
		subjects[i] = model.Subject{Type: req.Type, ID: id}
	}

	counts, err := h.analytics.BatchCounts(requestContext(c), subjects, service.LastDays(req.Days))
	if err != nil {
		h.logger.Error("failed to batch count page views", zap.Error(err), zap.Int("ids", len(req.IDs)))
		counts = nil
	}

	out := make(map[string]int64, len(req.IDs))
	for _, s := range subjects {
		out[s.ID] = counts[s]
	}
	return c.JSON(fiber.Map{"counts": out})
}

type popularItem struct {
	ID     string `json:"id"`
	Object any    `json:"object"`
	Count  int64  `json:"count"`
}

// Popular handles GET /api/pageviews/popular/:type
func (h *ReportHandler) Popular(c *fiber.Ctx) error {
	limit, w, err := parseTop(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	modelType := c.Params("type")
	objects, err := h.analytics.Popular(requestContext(c), modelType, limit, w)
	if errors.Is(err, service.ErrUnknownModel) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown model type",
		})
	}
	if err != nil {
		h.logger.Error("failed to load popular objects", zap.Error(err), zap.String("type", modelType))
		objects = nil
	}

	items := make([]popularItem, len(objects))
	for i, o := range objects {
		items[i] = popularItem{ID: o.Subject.ID, Object: o.Object, Count: o.Count}
	}
	return c.JSON(fiber.Map{"items": items})
}

type groupItem struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// PopularURLs handles GET /api/pageviews/popular-urls
func (h *ReportHandler) PopularURLs(c *fiber.Ctx) error {
	return h.groupRanking(c, "urls", h.analytics.PopularURLs)
}

// PopularViewNames handles GET /api/pageviews/popular-view-names
func (h *ReportHandler) PopularViewNames(c *fiber.Ctx) error {
	return h.groupRanking(c, "view names", h.analytics.PopularViewNames)
}

type rankingFunc func(ctx context.Context, limit int, w service.Window) ([]repository.GroupCount, error)

func (h *ReportHandler) groupRanking(c *fiber.Ctx, what string, rank rankingFunc) error {
	limit, w, err := parseTop(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	rows, err := rank(requestContext(c), limit, w)
	if err != nil {
		h.logger.Error("failed to rank "+what, zap.Error(err))
		rows = nil
	}
	return c.JSON(fiber.Map{"items": toGroupItems(rows)})
}

func toGroupItems(rows []repository.GroupCount) []groupItem {
	items := make([]groupItem, len(rows))
	for i, r := range rows {
		items[i] = groupItem{Key: r.Key, Count: r.Count}
	}
	return items
}

type dayItem struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// Daily handles GET /api/pageviews/daily/:type/:id
func (h *ReportHandler) Daily(c *fiber.Ctx) error {
	days, err := queryInt(c, "days", defaultHistogramLen)
	if err != nil || days < 1 || days > maxHistogramLen {
		return badRequest(c, fmt.Sprintf("days must be between 1 and %d", maxHistogramLen))
	}
	subject := model.Subject{Type: c.Params("type"), ID: c.Params("id")}

	rows, err := h.analytics.DailyHistogram(requestContext(c), subject, days)
	if err != nil {
		h.logger.Error("failed to build daily histogram", zap.Error(err), zap.Stringer("subject", subject))
		rows = nil
	}

	items := make([]dayItem, len(rows))
	for i, r := range rows {
		items[i] = dayItem{Date: r.Day, Count: r.Count}
	}
	return c.JSON(fiber.Map{"days": items})
}

type eventItem struct {
	ID         int64     `json:"id"`
	URL        string    `json:"url"`
	ViewName   string    `json:"view_name,omitempty"`
	Details    string    `json:"details"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Events handles GET /api/pageviews/events
func (h *ReportHandler) Events(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit", defaultEventsLimit)
	if err != nil || limit < 1 || limit > maxEventsLimit {
		return badRequest(c, fmt.Sprintf("limit must be between 1 and %d", maxEventsLimit))
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		return badRequest(c, "offset must be non-negative")
	}

	views, err := h.store.List(requestContext(c), repository.ListOptions{
		Limit:  limit,
		Offset: offset,
		Search: c.Query("q"),
	})
	if err != nil {
		h.logger.Error("failed to list page views", zap.Error(err))
		views = nil
	}

	items := make([]eventItem, len(views))
	for i, v := range views {
		items[i] = eventItem{
			ID:         v.ID,
			URL:        v.URL,
			ViewName:   deref(v.ViewName),
			Details:    eventDetails(v),
			IPAddress:  deref(v.IPAddress),
			UserAgent:  abbreviate(deref(v.UserAgent), userAgentPreviewLen),
			SessionKey: deref(v.SessionKey),
			Timestamp:  v.Timestamp,
		}
	}
	return c.JSON(fiber.Map{
		"events": items,
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
	})
}

// PopularReport handles GET /reports/popular
func (h *ReportHandler) PopularReport(c *fiber.Ctx) error {
	days, err := queryInt(c, "days", 30)
	if err != nil || days < 0 {
		return badRequest(c, "days must be non-negative")
	}
	ctx := requestContext(c)
	w := service.LastDays(days)

	data := view.ReportPageData{Title: "Popular pages", Days: days}

	urls, err := h.analytics.PopularURLs(ctx, defaultTopLimit, w)
	if err != nil {
		h.logger.Error("failed to rank urls", zap.Error(err))
		data.Degraded = true
	}
	for _, r := range urls {
		data.URLs = append(data.URLs, view.ReportRow{Label: r.Key, Href: r.Key, Count: r.Count})
	}

	names, err := h.analytics.PopularViewNames(ctx, defaultTopLimit, w)
	if err != nil {
		h.logger.Error("failed to rank view names", zap.Error(err))
		data.Degraded = true
	}
	for _, r := range names {
		data.ViewNames = append(data.ViewNames, view.ReportRow{Label: r.Key, Count: r.Count})
	}

	if _, ok := h.models.Get(model.LinkContentType); ok {
		links, err := h.analytics.Popular(ctx, model.LinkContentType, defaultTopLimit, w)
		if err != nil {
			h.logger.Error("failed to load popular links", zap.Error(err))
			data.Degraded = true
		}
		for _, o := range links {
			row := view.ReportRow{Label: o.Subject.ID, Href: "/links/" + o.Subject.ID, Count: o.Count}
			if link, ok := o.Object.(model.Link); ok && link.Title != "" {
				row.Label = link.Title
			}
			data.Objects = append(data.Objects, row)
		}
	}

	html, err := view.RenderReportPage(data)
	if err != nil {
		h.logger.Error("failed to render report page", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).SendString("failed to render report")
	}
	c.Type("html", "utf-8")
	return c.SendString(html)
}

func parseTop(c *fiber.Ctx) (int, service.Window, error) {
	limit, err := queryInt(c, "limit", defaultTopLimit)
	if err != nil || limit < 1 || limit > maxTopLimit {
		return 0, service.Window{}, fmt.Errorf("limit must be between 1 and %d", maxTopLimit)
	}
	w, err := parseWindow(c)
	if err != nil {
		return 0, service.Window{}, err
	}
	return limit, w, nil
}

// parseWindow reads either days or a start/end pair. Dates accept
// YYYY-MM-DD or RFC 3339.
func parseWindow(c *fiber.Ctx) (service.Window, error) {
	days, err := queryInt(c, "days", 0)
	if err != nil || days < 0 {
		return service.Window{}, errors.New("days must be a non-negative integer")
	}
	start, end := c.Query("start"), c.Query("end")
	if days > 0 && (start != "" || end != "") {
		return service.Window{}, errors.New("days cannot be combined with start or end")
	}
	if days > 0 {
		return service.LastDays(days), nil
	}

	var w service.Window
	if start != "" {
		t, err := parseTime(start)
		if err != nil {
			return service.Window{}, fmt.Errorf("invalid start: %w", err)
		}
		w.Start = &t
	}
	if end != "" {
		t, err := parseTime(end)
		if err != nil {
			return service.Window{}, fmt.Errorf("invalid end: %w", err)
		}
		w.End = &t
	}
	if w.Start != nil && w.End != nil && !w.End.After(*w.Start) {
		return service.Window{}, errors.New("end must be after start")
	}
	return w, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func queryInt(c *fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func eventDetails(v model.PageView) string {
	if s, ok := v.Subject(); ok {
		return fmt.Sprintf("%s (%s: %s)", v.URL, s.Type, s.ID)
	}
	return v.URL
}

func abbreviate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
