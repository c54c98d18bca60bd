package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/domain/prescription"
)

const dateOnly = "2006-01-02"

// pageParams reads page and limit. Absent values fall back to the defaults;
// present values must be positive integers.
func pageParams(r *http.Request) (domain.PageRequest, error) {
	var req domain.PageRequest
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &req.Page}, {"limit", &req.Limit}} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return req, domain.Validationf("%s must be an integer greater than or equal to 1", p.name)
		}
		*p.dst = n
	}
	return req.WithDefaults(), nil
}

// dateParam parses a YYYY-MM-DD or RFC 3339 query value. A bare date used as
// an upper bound covers the whole day.
func dateParam(r *http.Request, name string, upper bool) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(dateOnly, raw); err == nil {
		if upper {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, domain.Validationf("%s must be a date (YYYY-MM-DD) or an RFC 3339 timestamp", name)
	}
	return &t, nil
}

func rangeParams(r *http.Request, fromKey, toKey string) (prescription.DateRange, error) {
	from, err := dateParam(r, fromKey, false)
	if err != nil {
		return prescription.DateRange{}, err
	}
	to, err := dateParam(r, toKey, true)
	if err != nil {
		return prescription.DateRange{}, err
	}
	return prescription.DateRange{From: from, To: to}, nil
}

func idParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, domain.Validationf("id must be a valid UUID")
	}
	return id, nil
}

func uuidQuery(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, domain.Validationf("%s must be a valid UUID", name)
	}
	return &id, nil
}

func boolQuery(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.Validationf("%s must be true or false", name)
	}
	return b, nil
}

// listFilter reads the caller filters shared by GET /prescriptions and
// GET /me/prescriptions.
func listFilter(r *http.Request) (prescription.ListFilter, error) {
	var f prescription.ListFilter
	var err error
	if f.Mine, err = boolQuery(r, "mine"); err != nil {
		return f, err
	}
	if f.Range, err = rangeParams(r, "from", "to"); err != nil {
		return f, err
	}
	if f.Page, err = pageParams(r); err != nil {
		return f, err
	}
	q := r.URL.Query()
	f.Status = prescription.Status(q.Get("status"))
	f.Order = prescription.Order(strings.ToLower(q.Get("order")))
	return f, nil
}
