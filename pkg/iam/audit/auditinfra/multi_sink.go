package auditinfra

import (
	"context"
	"errors"

	"github.com/Abraxas-365/authcore/pkg/iam/audit"
)

// MultiSink fans an event out to every sink and joins their errors
type MultiSink []audit.Sink

func (m MultiSink) Write(ctx context.Context, evt audit.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
