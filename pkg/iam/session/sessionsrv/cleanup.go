package sessionsrv

import (
	"context"
	"time"

	"github.com/Abraxas-365/authcore/pkg/iam/session"
	"github.com/Abraxas-365/authcore/pkg/logx"
)

// CleanupService runs every registered sweeper on a fixed interval
type CleanupService struct {
	sweepers []session.Sweeper
	interval time.Duration
}

func NewCleanupService(interval time.Duration, sweepers ...session.Sweeper) *CleanupService {
	return &CleanupService{sweepers: sweepers, interval: interval}
}

// Start blocks until ctx is done
func (s *CleanupService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logx.WithFields(logx.Fields{
		"interval": s.interval.String(),
		"sweepers": len(s.sweepers),
	}).Info("Cleanup service started")

	for {
		select {
		case <-ctx.Done():
			logx.Info("Cleanup service stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs each sweeper once. A failing sweeper does not stop the others.
func (s *CleanupService) RunOnce(ctx context.Context) map[string]int64 {
	results := make(map[string]int64, len(s.sweepers))
	for _, sw := range s.sweepers {
		if ctx.Err() != nil {
			return results
		}
		start := time.Now()
		n, err := sw.Sweep(ctx)
		if err != nil {
			logx.WithField("sweeper", sw.Name()).WithError(err).Error("Cleanup sweep failed")
			continue
		}
		results[sw.Name()] = n
		if n > 0 {
			logx.WithFields(logx.Fields{
				"sweeper":  sw.Name(),
				"affected": n,
				"duration": time.Since(start).String(),
			}).Debug("Cleanup sweep finished")
		}
	}
	return results
}
