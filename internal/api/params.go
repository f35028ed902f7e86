package api

import (
	"fmt"
	"net/url"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/sowilo/internal/apperr"
)

// queryInt parses an optional integer parameter.
func queryInt(q url.Values, name string, def int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", apperr.ErrInvalidInput, name)
	}
	return v, nil
}

// queryFloat parses an optional float parameter.
func queryFloat(q url.Values, name string, def float64) (float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", apperr.ErrInvalidInput, name)
	}
	return v, nil
}

// similarityParams are the knobs shared by search, graph and related.
// Limits beyond the maximum are clamped downstream; negative ones and
// thresholds outside [0,1] are rejected here.
type similarityParams struct {
	Query     string
	Limit     int
	Threshold float64
	needQuery bool
}

func (p *similarityParams) Validate() error {
	err := validation.ValidateStruct(p,
		validation.Field(&p.Query, validation.When(p.needQuery, validation.Required.Error("query parameter 'q' is required"))),
		validation.Field(&p.Limit, validation.Min(0)),
		validation.Field(&p.Threshold, validation.Min(0.0), validation.Max(1.0)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	return nil
}

func parseSimilarity(q url.Values, needQuery bool, defLimit int, defThreshold float64) (similarityParams, error) {
	p := similarityParams{Query: q.Get("q"), needQuery: needQuery}
	var err error
	if p.Limit, err = queryInt(q, "limit", defLimit); err != nil {
		return p, err
	}
	if p.Threshold, err = queryFloat(q, "threshold", defThreshold); err != nil {
		return p, err
	}
	return p, p.Validate()
}
