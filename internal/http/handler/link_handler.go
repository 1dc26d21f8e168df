package handler

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/sifan077/pageviews/internal/app/repository"
	"github.com/sifan077/pageviews/internal/app/service"
	"github.com/sifan077/pageviews/internal/http/middleware"
	"github.com/sifan077/pageviews/internal/http/view"
	"go.uber.org/zap"
)

// LinkDeps groups dependencies required by link handlers.
type LinkDeps struct {
	Logger      *zap.Logger
	LinkService service.LinkService
	Links       repository.LinkRepository
	Analytics   *service.Analytics
}

// LinkHandler serves the demo link pages, which are tracked, and the
// management API, which is not.
type LinkHandler struct {
	logger      *zap.Logger
	linkService service.LinkService
	analytics   *service.Analytics
	validate    *validator.Validate

	detail linkDetail
	list   linkList
	stats  linkStats
}

// NewLinkHandler creates a link handler with the provided dependencies.
func NewLinkHandler(deps LinkDeps) *LinkHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkHandler{
		logger:      logger,
		linkService: deps.LinkService,
		analytics:   deps.Analytics,
		validate:    validator.New(),
		list:        linkList{links: deps.LinkService},
		stats:       linkStats{model: service.LinkModel{Repo: deps.Links}},
	}
}

// RegisterPages wires the tracked link pages onto a router mounted at /links.
func (h *LinkHandler) RegisterPages(pages fiber.Router) {
	pages.Get("/", middleware.Tracked("link_list", h.list, h.ListPage))
	pages.Get("/:code", middleware.Tracked("link_detail", h.detail, h.DetailPage))
	pages.Get("/:slug/stats", middleware.Tracked("link_stats", h.stats, h.StatsPage))
}

// RegisterAPI wires the management routes onto the API router.
func (h *LinkHandler) RegisterAPI(api fiber.Router) {
	links := api.Group("/links")
	{
		links.Post("/", h.CreateLink)
		links.Get("/", h.ListLinks)
		links.Get("/:code", h.GetLink)
		links.Patch("/:code", h.UpdateLink)
	}
}

// linkDetail tracks the link named by the code parameter.
type linkDetail struct{}

func (linkDetail) Object(_ context.Context, route service.RouteMatch) (*model.Subject, error) {
	code := route.Params["code"]
	if code == "" {
		return nil, nil
	}
	return &model.Subject{Type: model.LinkContentType, ID: code}, nil
}

// linkList tracks the first link of the listing.
type linkList struct {
	links service.LinkService
}

func (l linkList) ObjectList(ctx context.Context, _ service.RouteMatch) ([]model.Subject, error) {
	links, err := l.links.ListLinks(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	out := make([]model.Subject, len(links))
	for i, link := range links {
		out[i] = model.Subject{Type: model.LinkContentType, ID: link.Code}
	}
	return out, nil
}

// linkStats declares the link model; the link is looked up from :slug.
type linkStats struct {
	model service.Model
}

func (s linkStats) Model() service.Model {
	return s.model
}

// ListPage handles GET /links
func (h *LinkHandler) ListPage(c *fiber.Ctx) error {
	links, err := h.linkService.ListLinks(requestContext(c), 20, 0)
	if err != nil {
		h.logger.Error("failed to list links", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list links",
		})
	}
	return c.JSON(fiber.Map{"links": toLinkResponses(links)})
}

// DetailPage handles GET /links/:code
func (h *LinkHandler) DetailPage(c *fiber.Ctx) error {
	link, ok, err := h.liveLink(c, c.Params("code"))
	if !ok {
		return err
	}
	return c.JSON(toLinkResponse(link))
}

// StatsPage handles GET /links/:slug/stats
func (h *LinkHandler) StatsPage(c *fiber.Ctx) error {
	link, ok, err := h.liveLink(c, c.Params("slug"))
	if !ok {
		return err
	}

	ctx := requestContext(c)
	subject := model.Subject{Type: model.LinkContentType, ID: link.Code}

	total, err := h.analytics.ViewsByPeriod(ctx, subject, service.Window{})
	if err != nil {
		h.logger.Error("failed to count link views", zap.Error(err), zap.String("code", link.Code))
	}
	week, err := h.analytics.ViewsByPeriod(ctx, subject, service.LastDays(7))
	if err != nil {
		h.logger.Error("failed to count recent link views", zap.Error(err), zap.String("code", link.Code))
	}
	unique, err := h.analytics.UniqueVisitorCount(ctx, subject, service.Window{})
	if err != nil {
		h.logger.Error("failed to count link visitors", zap.Error(err), zap.String("code", link.Code))
	}

	return c.JSON(fiber.Map{
		"link":            toLinkResponse(link),
		"views":           total,
		"views_formatted": view.FormatNumber(float64(total), 1),
		"views_last_7d":   week,
		"unique_visitors": unique,
	})
}

// liveLink loads an enabled link or writes the error response itself.
func (h *LinkHandler) liveLink(c *fiber.Ctx, code string) (*model.Link, bool, error) {
	link, err := h.linkService.GetLink(requestContext(c), code)
	if errors.Is(err, repository.ErrLinkNotFound) || (err == nil && link.Disabled) {
		return nil, false, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "link not found",
		})
	}
	if err != nil {
		h.logger.Error("failed to get link", zap.Error(err), zap.String("code", code))
		return nil, false, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get link",
		})
	}
	return link, true, nil
}

// CreateLinkRequest represents the request body for creating a link.
type CreateLinkRequest struct {
	Code     string `json:"code" validate:"required,max=32,alphanum"`
	URL      string `json:"url" validate:"required,url"`
	Title    string `json:"title,omitempty" validate:"max=200"`
	Disabled bool   `json:"disabled,omitempty"`
}

// LinkResponse is the JSON shape of a link.
type LinkResponse struct {
	Code      string    `json:"code"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
}

func toLinkResponse(link *model.Link) LinkResponse {
	return LinkResponse{
		Code:      link.Code,
		URL:       link.URL,
		Title:     link.Title,
		Disabled:  link.Disabled,
		CreatedAt: link.CreatedAt,
	}
}

func toLinkResponses(links []model.Link) []LinkResponse {
	out := make([]LinkResponse, len(links))
	for i := range links {
		out[i] = toLinkResponse(&links[i])
	}
	return out
}

// CreateLink handles POST /api/links
func (h *LinkHandler) CreateLink(c *fiber.Ctx) error {
	var req CreateLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	link, err := h.linkService.CreateLink(requestContext(c), service.CreateLinkInput{
		Code:     req.Code,
		URL:      req.URL,
		Title:    req.Title,
		Disabled: req.Disabled,
	})
	if err != nil {
		h.logger.Error("failed to create link", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create link",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(toLinkResponse(link))
}

// ListLinks handles GET /api/links
func (h *LinkHandler) ListLinks(c *fiber.Ctx) error {
	limit := 20
	offset := 0

	if parsed := c.QueryInt("limit"); parsed > 0 && parsed <= 100 {
		limit = parsed
	}
	if parsed := c.QueryInt("offset"); parsed > 0 {
		offset = parsed
	}

	links, err := h.linkService.ListLinks(requestContext(c), limit, offset)
	if err != nil {
		h.logger.Error("failed to list links", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list links",
		})
	}

	return c.JSON(fiber.Map{
		"links":  toLinkResponses(links),
		"limit":  limit,
		"offset": offset,
		"count":  len(links),
	})
}

// GetLink handles GET /api/links/:code
func (h *LinkHandler) GetLink(c *fiber.Ctx) error {
	code := c.Params("code")
	link, err := h.linkService.GetLink(requestContext(c), code)
	if err != nil {
		h.logger.Debug("failed to get link", zap.Error(err), zap.String("code", code))
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "link not found",
		})
	}
	return c.JSON(toLinkResponse(link))
}

// UpdateLinkRequest represents the request body for updating a link.
type UpdateLinkRequest struct {
	URL      *string `json:"url,omitempty" validate:"omitempty,url"`
	Title    *string `json:"title,omitempty" validate:"omitempty,max=200"`
	Disabled *bool   `json:"disabled,omitempty"`
}

// UpdateLink handles PATCH /api/links/:code
func (h *LinkHandler) UpdateLink(c *fiber.Ctx) error {
	code := c.Params("code")

	var req UpdateLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	link, err := h.linkService.UpdateLink(requestContext(c), code, service.UpdateLinkInput{
		URL:      req.URL,
		Title:    req.Title,
		Disabled: req.Disabled,
	})
	if errors.Is(err, repository.ErrLinkNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "link not found",
		})
	}
	if err != nil {
		h.logger.Error("failed to update link", zap.Error(err), zap.String("code", code))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to update link",
		})
	}

	return c.JSON(toLinkResponse(link))
}
