package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sims-infirmary-api/internal/middleware"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	return middleware.Claims(c)
}

// parseTimeParam accepts RFC3339 timestamps or plain dates. A plain date is the start
// of that day.
func parseTimeParam(key, raw string) (*time.Time, error) {
	parsed, _, err := parseTimeOrDate(key, raw)
	return parsed, err
}

// parseEndTimeParam is parseTimeParam for inclusive upper bounds: a plain date covers
// the whole day, up to the last microsecond Postgres can store.
func parseEndTimeParam(key, raw string) (*time.Time, error) {
	parsed, dateOnly, err := parseTimeOrDate(key, raw)
	if err != nil || parsed == nil || !dateOnly {
		return parsed, err
	}
	end := parsed.AddDate(0, 0, 1).Add(-time.Microsecond)
	return &end, nil
}

func parseTimeOrDate(key, raw string) (*time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false, nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return &parsed, false, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, key+" must be YYYY-MM-DD or RFC3339")
	}
	return &parsed, true, nil
}

func parseQueryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}

// optionalQueryInt returns nil when the parameter is absent.
func optionalQueryInt(c *gin.Context, key string) (*int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, key+" must be an integer")
	}
	return &val, nil
}

func parseQueryBool(c *gin.Context, key string) bool {
	val, err := strconv.ParseBool(c.Query(key))
	return err == nil && val
}
