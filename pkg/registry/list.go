package registry

import (
	"context"
	"strings"

	"github.com/unifytwin/plugin-manager/pkg/model"
)

// ListRequest filters, sorts, and pages the plugin listing.
type ListRequest struct {
	Name       string           `json:"name,omitempty"`
	PluginType model.PluginType `json:"plugin_type,omitempty"`
	Status     string           `json:"status,omitempty"`
	StartRow   int              `json:"start_row"`
	Records    int              `json:"records"`
}

// Row is one listing entry: the collapsed current version of a plugin plus
// the synthesized action set its status disables.
type Row struct {
	*model.PluginVersion
	DisabledActions []string `json:"disabledActions"`
}

// ListResult pages rows with the unpaginated total.
type ListResult struct {
	Rows         []Row `json:"bodyContent"`
	Total        int   `json:"total_no"`
	EndOfRecords bool  `json:"endOfRecords"`
}

// List collapses each plugin to its current version, applies the filter,
// and pages the result. Rows come back masked.
func (s *Store) List(ctx context.Context, req ListRequest) (*ListResult, error) {
	rows, err := s.filteredRows(ctx, req)
	if err != nil {
		return nil, err
	}
	total := len(rows)

	start := req.StartRow
	if start > total {
		start = total
	}
	end := total
	if req.Records > 0 && start+req.Records < total {
		end = start + req.Records
	}
	page := rows[start:end]
	return &ListResult{
		Rows:         page,
		Total:        total,
		EndOfRecords: end >= total,
	}, nil
}

// Count runs the same filter path without pagination.
func (s *Store) Count(ctx context.Context, req ListRequest) (int, error) {
	rows, err := s.filteredRows(ctx, req)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *Store) filteredRows(ctx context.Context, req ListRequest) ([]Row, error) {
	ids, err := s.PluginIDs(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		v, err := s.FetchCurrent(ctx, id)
		if err != nil {
			continue
		}
		if !matches(v, req) {
			continue
		}
		rows = append(rows, Row{
			PluginVersion:   MaskVersion(v),
			DisabledActions: model.DisabledActions(v.DeploymentStatus, v.PluginType),
		})
	}
	return rows, nil
}

func matches(v *model.PluginVersion, req ListRequest) bool {
	if req.Name != "" && !strings.Contains(strings.ToLower(v.Name), strings.ToLower(req.Name)) {
		return false
	}
	if req.PluginType != "" && v.PluginType != req.PluginType {
		return false
	}
	if req.Status != "" && string(v.DeploymentStatus) != req.Status {
		return false
	}
	return true
}
