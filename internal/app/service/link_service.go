package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/sifan077/pageviews/internal/app/repository"
)

// LinkService defines behaviour-level operations on links.
type LinkService interface {
	CreateLink(ctx context.Context, input CreateLinkInput) (*model.Link, error)
	GetLink(ctx context.Context, code string) (*model.Link, error)
	ListLinks(ctx context.Context, limit, offset int) ([]model.Link, error)
	UpdateLink(ctx context.Context, code string, input UpdateLinkInput) (*model.Link, error)
}

type linkService struct {
	repo repository.LinkRepository
}

// NewLinkService returns a service implementation backed by the given repository.
func NewLinkService(repo repository.LinkRepository) LinkService {
	return &linkService{repo: repo}
}

// CreateLinkInput captures data required to create a link.
type CreateLinkInput struct {
	Code     string `json:"code" validate:"required,max=32,alphanum"`
	URL      string `json:"url" validate:"required,url"`
	Title    string `json:"title" validate:"max=200"`
	Disabled bool   `json:"disabled"`
}

// UpdateLinkInput captures fields that can be changed on an existing link.
type UpdateLinkInput struct {
	URL      *string
	Title    *string
	Disabled *bool
}

func (s *linkService) CreateLink(ctx context.Context, input CreateLinkInput) (*model.Link, error) {
	link := &model.Link{
		Code:     input.Code,
		URL:      input.URL,
		Title:    input.Title,
		Disabled: input.Disabled,
	}
	if link.Title == "" {
		link.Title = link.URL
	}

	if err := s.repo.Create(ctx, link); err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}
	return link, nil
}

func (s *linkService) GetLink(ctx context.Context, code string) (*model.Link, error) {
	link, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	return link, nil
}

func (s *linkService) ListLinks(ctx context.Context, limit, offset int) ([]model.Link, error) {
	links, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return links, nil
}

func (s *linkService) UpdateLink(ctx context.Context, code string, input UpdateLinkInput) (*model.Link, error) {
	link, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load link: %w", err)
	}

	if input.URL != nil {
		link.URL = *input.URL
	}
	if input.Title != nil {
		link.Title = *input.Title
	}
	if input.Disabled != nil {
		link.Disabled = *input.Disabled
	}

	if err := s.repo.Update(ctx, link); err != nil {
		return nil, fmt.Errorf("update link: %w", err)
	}
	return link, nil
}

// LinkModel exposes links to the tracking pipeline. Every lookup field
// resolves against the link code, and disabled links count as gone.
type LinkModel struct {
	Repo repository.LinkRepository
}

var _ Model = LinkModel{}

func (LinkModel) Name() string {
	return model.LinkContentType
}

func (m LinkModel) Lookup(ctx context.Context, _ string, value string) (string, bool, error) {
	link, err := m.Repo.GetByCode(ctx, value)
	if errors.Is(err, repository.ErrLinkNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup link: %w", err)
	}
	if link.Disabled {
		return "", false, nil
	}
	return link.Code, true, nil
}

func (m LinkModel) LookupMany(ctx context.Context, ids []string) (map[string]any, error) {
	links, err := m.Repo.GetByCodes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup links: %w", err)
	}
	out := make(map[string]any, len(links))
	for _, link := range links {
		out[link.Code] = link
	}
	return out, nil
}
