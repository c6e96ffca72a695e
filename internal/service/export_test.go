package service

import "context"

func SweepAbandonedCheckouts(ctx context.Context, s *Service) int {
	return s.sweepAbandonedCheckouts(ctx)
}
