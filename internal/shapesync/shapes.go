package shapesync

import (
	"fmt"
	"strings"
)

// Shape describes one streamable server table: the long-poll endpoint with
// {name} placeholders, the parameter names it requires, the REST fallback
// listing path, and the mutation endpoint base.
type Shape struct {
	Name         string
	Table        string
	URLTemplate  string
	Params       []string
	ListPath     string
	MutationPath string
}

// URL substitutes {name} placeholders in the shape's URL template. Every
// placeholder must resolve from params.
func (s Shape) URL(params map[string]string) (string, error) {
	url := s.URLTemplate
	for key, value := range params {
		url = strings.ReplaceAll(url, "{"+key+"}", value)
	}
	if start := strings.Index(url, "{"); start >= 0 {
		end := strings.Index(url[start:], "}")
		if end < 0 {
			end = len(url) - start - 1
		}
		return "", fmt.Errorf("unresolved shape URL placeholder %s in %s", url[start:start+end+1], s.URLTemplate)
	}
	return url, nil
}

var shapeCatalog = map[string]Shape{
	"projects": {
		Name:         "projects",
		Table:        "projects",
		URLTemplate:  "/shape/projects",
		Params:       []string{"organization_id"},
		ListPath:     "/fallback/projects",
		MutationPath: "/projects",
	},
	"notifications": {
		Name:         "notifications",
		Table:        "notifications",
		URLTemplate:  "/shape/notifications",
		Params:       []string{"organization_id", "user_id"},
		ListPath:     "/fallback/notifications",
		MutationPath: "/notifications",
	},
	"users": {
		Name:         "users",
		Table:        "users",
		URLTemplate:  "/shape/users",
		Params:       []string{"organization_id"},
		ListPath:     "/fallback/users",
		MutationPath: "/users",
	},
	"tags": {
		Name:         "project_tags",
		Table:        "tags",
		URLTemplate:  "/shape/project/{project_id}/tags",
		Params:       []string{"project_id"},
		ListPath:     "/fallback/tags",
		MutationPath: "/tags",
	},
	"project_statuses": {
		Name:         "project_statuses",
		Table:        "project_statuses",
		URLTemplate:  "/shape/project/{project_id}/project_statuses",
		Params:       []string{"project_id"},
		ListPath:     "/fallback/project_statuses",
		MutationPath: "/project_statuses",
	},
	"issues": {
		Name:         "project_issues",
		Table:        "issues",
		URLTemplate:  "/shape/project/{project_id}/issues",
		Params:       []string{"project_id"},
		ListPath:     "/fallback/issues",
		MutationPath: "/issues",
	},
	"issue_assignees": {
		Name:         "project_issue_assignees",
		Table:        "issue_assignees",
		URLTemplate:  "/shape/project/{project_id}/issue_assignees",
		Params:       []string{"project_id"},
		ListPath:     "/fallback/issue_assignees",
		MutationPath: "/issue_assignees",
	},
	"issue_tags": {
		Name:         "project_issue_tags",
		Table:        "issue_tags",
		URLTemplate:  "/shape/project/{project_id}/issue_tags",
		Params:       []string{"project_id"},
		ListPath:     "/fallback/issue_tags",
		MutationPath: "/issue_tags",
	},
	"issue_comments": {
		Name:         "issue_comments",
		Table:        "issue_comments",
		URLTemplate:  "/shape/issue/{issue_id}/comments",
		Params:       []string{"issue_id"},
		ListPath:     "/fallback/issue_comments",
		MutationPath: "/issue_comments",
	},
	"workspaces": {
		Name:         "project_workspaces",
		Table:        "workspaces",
		URLTemplate:  "/shape/project/{project_id}/workspaces",
		Params:       []string{"project_id"},
		ListPath:     "/fallback/project_workspaces",
		MutationPath: "/workspaces",
	},
}

// CatalogShape looks up the shape definition for a table.
func CatalogShape(table string) (Shape, bool) {
	shape, ok := shapeCatalog[strings.TrimSpace(table)]
	return shape, ok
}

// shapeForTable resolves a catalog shape or synthesizes a generic one so
// uncataloged tables still sync with the default endpoint layout.
func shapeForTable(table string, params map[string]string) Shape {
	if shape, ok := CatalogShape(table); ok {
		return shape
	}
	paramNames := make([]string, 0, len(params))
	for name := range params {
		paramNames = append(paramNames, name)
	}
	return Shape{
		Name:         table,
		Table:        table,
		URLTemplate:  "/shape/" + table,
		Params:       paramNames,
		ListPath:     "/fallback/" + table,
		MutationPath: "/" + table,
	}
}
