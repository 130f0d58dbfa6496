package reading

import (
	"context"

	"gorm.io/gorm"
)

// CoupleStats is the read-only aggregate across both linked partners'
// sessions, computed on demand rather than maintained as counters.
type CoupleStats struct {
	TotalSessions int64   `json:"total_sessions"`
	TotalSteps    int64   `json:"total_steps"`
	LastCompleted *int64  `json:"last_completed_s"`
	AvgRating     float64 `json:"avg_rating"`
	BookmarkCount int64   `json:"bookmark_count"`
}

// Stats computes the couple aggregate for the caller: completed sessions,
// per-step reflections, their average rating, bookmarks, and the most recent
// completion, covering the caller and their linked partner.
func (s *Service) Stats(ctx context.Context, caller UserID) (CoupleStats, error) {
	coupleIDs := []string{caller.String()}
	if s.partners != nil {
		partner, err := s.partners.PartnerOf(caller.String())
		if err != nil {
			s.logError(opStats, "partner_lookup_failed", err)
			return CoupleStats{}, newServiceError(opStats, "partner_lookup_failed", err)
		}
		if partner != "" {
			coupleIDs = append(coupleIDs, partner)
		}
	}

	db := s.db.WithContext(ctx)
	var stats CoupleStats

	// The aggregate covers completed sessions only; reflections and bookmarks
	// written in sessions still in progress or abandoned stay out of it.
	completedSessions := func() *gorm.DB {
		return db.Session(&gorm.Session{NewDB: true}).Model(&Session{}).
			Select("session_id").
			Where("status = ? AND (user1_id IN ? OR user2_id IN ?)", StatusComplete, coupleIDs, coupleIDs)
	}

	if err := db.Model(&Session{}).
		Where("status = ? AND (user1_id IN ? OR user2_id IN ?)", StatusComplete, coupleIDs, coupleIDs).
		Count(&stats.TotalSessions).Error; err != nil {
		s.logError(opStats, "session_count_failed", err)
		return CoupleStats{}, newServiceError(opStats, "session_count_failed", err)
	}

	var lastCompleted *int64
	if err := db.Model(&Session{}).
		Where("status = ? AND (user1_id IN ? OR user2_id IN ?)", StatusComplete, coupleIDs, coupleIDs).
		Select("MAX(completed_at_s)").
		Scan(&lastCompleted).Error; err != nil {
		s.logError(opStats, "last_completed_failed", err)
		return CoupleStats{}, newServiceError(opStats, "last_completed_failed", err)
	}
	stats.LastCompleted = lastCompleted

	if err := db.Model(&Reflection{}).
		Where("user_id IN ? AND step_index < ? AND session_id IN (?)", coupleIDs, StepCount, completedSessions()).
		Count(&stats.TotalSteps).Error; err != nil {
		s.logError(opStats, "step_count_failed", err)
		return CoupleStats{}, newServiceError(opStats, "step_count_failed", err)
	}

	if stats.TotalSteps > 0 {
		var avgRating *float64
		if err := db.Model(&Reflection{}).
			Where("user_id IN ? AND step_index < ? AND session_id IN (?)", coupleIDs, StepCount, completedSessions()).
			Select("AVG(rating)").
			Scan(&avgRating).Error; err != nil {
			s.logError(opStats, "avg_rating_failed", err)
			return CoupleStats{}, newServiceError(opStats, "avg_rating_failed", err)
		}
		if avgRating != nil {
			stats.AvgRating = *avgRating
		}
	}

	if err := db.Model(&Bookmark{}).
		Where("user_id IN ? AND session_id IN (?)", coupleIDs, completedSessions()).
		Count(&stats.BookmarkCount).Error; err != nil {
		s.logError(opStats, "bookmark_count_failed", err)
		return CoupleStats{}, newServiceError(opStats, "bookmark_count_failed", err)
	}

	return stats, nil
}
