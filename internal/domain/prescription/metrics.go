package prescription

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const topDoctorsLimit = 5

// Totals are entity counts. Doctors and patients ignore the date range.
type Totals struct {
	Doctors       int `json:"doctors"`
	Patients      int `json:"patients"`
	Prescriptions int `json:"prescriptions"`
}

// MetricsSnapshot is the admin dashboard payload.
type MetricsSnapshot struct {
	Totals     Totals         `json:"totals"`
	ByStatus   map[Status]int `json:"byStatus"`
	ByDay      []DayCount     `json:"byDay"`
	TopDoctors []DoctorCount  `json:"topDoctors"`
}

// aggregate runs the independent metric queries concurrently. Each goroutine
// writes only its own field. The first failure cancels the others.
// TopDoctors ties come back in whatever order the store yields them.
func aggregate(ctx context.Context, store Store, r DateRange) (*MetricsSnapshot, error) {
	var m MetricsSnapshot
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		m.Totals.Doctors, err = store.CountDoctors(ctx)
		return err
	})
	g.Go(func() (err error) {
		m.Totals.Patients, err = store.CountPatients(ctx)
		return err
	})
	g.Go(func() (err error) {
		m.Totals.Prescriptions, err = store.CountPrescriptions(ctx, r)
		return err
	})
	g.Go(func() (err error) {
		m.ByStatus, err = store.CountByStatus(ctx, r)
		return err
	})
	g.Go(func() (err error) {
		m.ByDay, err = store.CountByDay(ctx, r)
		return err
	})
	g.Go(func() (err error) {
		m.TopDoctors, err = store.TopDoctors(ctx, r, topDoctorsLimit)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if m.ByStatus == nil {
		m.ByStatus = map[Status]int{}
	}
	if m.ByDay == nil {
		m.ByDay = []DayCount{}
	}
	if m.TopDoctors == nil {
		m.TopDoctors = []DoctorCount{}
	}
	return &m, nil
}
