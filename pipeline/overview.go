package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"payroll/requestctx"
	"payroll/stagegate"
)

// TenantStatus is one row of the administrative overview.
type TenantStatus struct {
	Tenant        string          `json:"tenant"`
	DisplayName   string          `json:"displayName"`
	Year          int             `json:"year,omitempty"`
	Month         int             `json:"month,omitempty"`
	Stage         stagegate.Stage `json:"stage"`
	Progress      string          `json:"progress,omitempty"`
	LastUpdatedBy string          `json:"lastUpdatedBy,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Overview reads the marker of every active tenant. A tenant whose marker
// cannot be read is reported with Error set rather than failing the overview.
func (s *Service) Overview(ctx context.Context) ([]TenantStatus, error) {
	databases := s.router.Catalog().Databases()
	out := make([]TenantStatus, len(databases))

	var g errgroup.Group
	g.SetLimit(s.cfg.OverviewConcurrency)
	for i, db := range databases {
		i, db := i, db
		g.Go(func() error {
			entry := TenantStatus{Tenant: db.ID, DisplayName: db.DisplayName}
			marker, err := s.gate.ReadMarker(requestctx.WithTenant(ctx, db))
			if err != nil {
				entry.Error = err.Error()
			} else {
				entry.Year = marker.Year
				entry.Month = marker.Month
				entry.Stage = marker.Stage
				entry.Progress = marker.Stage.Label()
				entry.LastUpdatedBy = marker.LastUpdatedBy
			}
			out[i] = entry
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
