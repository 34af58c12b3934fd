package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/kaihost/internal/cron"
	"github.com/basket/kaihost/internal/extension"
)

// Catalog lists installed extensions. *registry.Registry satisfies it.
type Catalog interface {
	List() []extension.Record
}

// Reporter sends the installed versions of marketplace extensions.
type Reporter struct {
	client  *Client
	catalog Catalog
	logger  *slog.Logger
}

func NewReporter(client *Client, catalog Catalog, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{client: client, catalog: catalog, logger: logger}
}

// Report sends one report per marketplace-origin record and returns how many
// succeeded. Failures for one record do not stop the others.
func (r *Reporter) Report(ctx context.Context) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, rec := range r.catalog.List() {
		if rec.Origin != extension.OriginMarketplace {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.client.ReportInstalled(ctx, rec.ID, rec.Version); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if len(errs) > 0 {
		return sent, fmt.Errorf("marketplace report: %w", errors.Join(errs...))
	}
	r.logger.Debug("marketplace report sent", "extensions", sent)
	return sent, nil
}

// Job wraps Report as a scheduler job on schedule.
func (r *Reporter) Job(schedule string) cron.Job {
	return cron.Job{
		Name:       "marketplace-report",
		Schedule:   schedule,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			_, err := r.Report(ctx)
			return err
		},
	}
}
