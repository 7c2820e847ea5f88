package repository

import (
	"github.com/shopmindai/pingpongbot/internal/apperr"
	"github.com/shopmindai/pingpongbot/internal/domain"
)

const maxStringLength = 256

// requirePositiveID rejects a non-positive internal id before any
// query runs.
func requirePositiveID(op string, id int64) error {
	if id <= 0 {
		return apperr.New(apperr.InvalidArgument, op, nil)
	}
	return nil
}

func requireNonEmptyBounded(op, s string) error {
	if s == "" || len(s) > maxStringLength {
		return apperr.New(apperr.InvalidArgument, op, nil)
	}
	return nil
}

func requireValidTopicType(op string, t domain.TopicType) error {
	if !t.Valid() {
		return apperr.New(apperr.InvalidArgument, op, nil)
	}
	return nil
}

func requireRatingBounds(op string, rating, maxRating int) error {
	if rating < domain.MinRating || rating > maxRating {
		return apperr.New(apperr.InvalidArgument, op, nil)
	}
	return nil
}
