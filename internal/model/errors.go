package model

import "github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"

var (
	errAgeOutOfRange  = apperror.New(apperror.NotAllowed, "age must be in [18, 99]")
	errSearchAgeRange = apperror.New(apperror.NotAllowed, "search_age_min must be <= search_age_max")
)
