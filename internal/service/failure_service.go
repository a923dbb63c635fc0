package service

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// FailureNotifier announces exhausted jobs.
type FailureNotifier interface {
	JobFailed(ctx context.Context, job domain.Job, cause error, archivePath string) error
}

// FailureService archives jobs that exhausted their attempts and announces
// them. Either collaborator may be nil.
type FailureService struct {
	archive  domain.DeadLetterArchive
	notifier FailureNotifier
	logger   *slog.Logger
}

// NewFailureService creates a FailureService.
func NewFailureService(archive domain.DeadLetterArchive, notifier FailureNotifier, logger *slog.Logger) *FailureService {
	return &FailureService{
		archive:  archive,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "failure-service")),
	}
}

// JobFailed is called by the worker pool after the job was moved to the
// failed set. Errors are logged; the job itself is already settled.
func (s *FailureService) JobFailed(ctx context.Context, job domain.Job, cause error) {
	var path string
	if s.archive != nil {
		p, err := s.archive.ArchiveFailedJob(ctx, job, cause)
		if err != nil {
			s.logger.ErrorContext(ctx, "archive failed job",
				slog.String("queue", job.Queue),
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		path = p
	}

	if s.notifier != nil {
		if err := s.notifier.JobFailed(ctx, job, cause, path); err != nil {
			s.logger.WarnContext(ctx, "notify failed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
