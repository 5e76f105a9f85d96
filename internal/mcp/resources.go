package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashfox/meshgate/internal/project"
	"github.com/ashfox/meshgate/internal/validation"
)

// Resource is one entry in the resources/list payload.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is a resources/read payload.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// ResourceTemplate is one entry in resources/templates/list.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceStore serves the router's resources/* methods.
type ResourceStore interface {
	List(ctx context.Context) ([]Resource, error)
	Read(ctx context.Context, uri string) (*ResourceContents, error)
	Templates(ctx context.Context) ([]ResourceTemplate, error)
}

const (
	capabilitiesURI    = "meshgate://capabilities"
	projectURIPrefix   = "meshgate://projects/"
	projectURITemplate = "meshgate://projects/{workspaceId}/{projectId}"
)

// CatalogStore is the built-in resource store: the capabilities document
// plus project states addressed by workspace and project id.
type CatalogStore struct {
	repo         project.Repository
	capabilities func() map[string]any
}

// NewCatalogStore creates the built-in resource store.
func NewCatalogStore(repo project.Repository, capabilities func() map[string]any) *CatalogStore {
	return &CatalogStore{repo: repo, capabilities: capabilities}
}

func (s *CatalogStore) List(ctx context.Context) ([]Resource, error) {
	return []Resource{
		{
			URI:         capabilitiesURI,
			Name:        "capabilities",
			Description: "Gateway capabilities envelope",
			MimeType:    "application/json",
		},
	}, nil
}

func (s *CatalogStore) Templates(ctx context.Context) ([]ResourceTemplate, error) {
	return []ResourceTemplate{
		{
			URITemplate: projectURITemplate,
			Name:        "project-state",
			Description: "Current state document of one project",
			MimeType:    "application/json",
		},
	}, nil
}

func (s *CatalogStore) Read(ctx context.Context, uri string) (*ResourceContents, error) {
	if uri == capabilitiesURI {
		data, err := json.Marshal(s.capabilities())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal capabilities: %w", err)
		}
		return &ResourceContents{URI: uri, MimeType: "application/json", Text: string(data)}, nil
	}

	if rest, ok := strings.CutPrefix(uri, projectURIPrefix); ok {
		workspaceID, projectID, ok := strings.Cut(rest, "/")
		if !ok {
			return nil, fmt.Errorf("invalid project resource uri %q", uri)
		}
		if err := validation.ValidateID(validation.PrefixWorkspace, workspaceID); err != nil {
			return nil, fmt.Errorf("invalid project resource uri: %w", err)
		}
		if err := validation.ValidateID(validation.PrefixProject, projectID); err != nil {
			return nil, fmt.Errorf("invalid project resource uri: %w", err)
		}
		scope := project.Scope{TenantID: project.DefaultTenant, WorkspaceID: workspaceID, ProjectID: projectID}
		record, err := s.repo.Find(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to load project %s: %w", projectID, err)
		}
		if record == nil {
			return nil, fmt.Errorf("resource not found: %s", uri)
		}
		return &ResourceContents{URI: uri, MimeType: "application/json", Text: string(record.State)}, nil
	}

	return nil, fmt.Errorf("resource not found: %s", uri)
}
