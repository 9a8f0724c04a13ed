package dispatch

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/courier-dev/courier/middleware"
)

// Janitor runs periodic maintenance: sweeping expired cache entries
// and refreshing in-flight gauges. Every job body runs behind a
// recover boundary so a faulty callback cannot take down the process.
type Janitor struct {
	cron *cron.Cron
}

// NewJanitor creates a stopped janitor.
func NewJanitor() *Janitor {
	return &Janitor{cron: cron.New()}
}

// Every schedules fn on a cron schedule (e.g. "@every 1m").
func (j *Janitor) Every(schedule, name string, fn func()) error {
	_, err := j.cron.AddFunc(schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("courier: maintenance job %s panicked: %v", name, r)
			}
		}()
		fn()
	})
	return err
}

// SweepCache schedules expired-entry sweeps on the given store.
func (j *Janitor) SweepCache(schedule string, store middleware.Store) error {
	return j.Every(schedule, "cache-sweep", func() {
		if dropped := store.Sweep(context.Background()); dropped > 0 {
			log.Printf("courier: cache sweep dropped %d expired entries", dropped)
		}
	})
}

// RefreshGauges schedules in-flight gauge refreshes for all agents
// registered with the dispatcher.
func (j *Janitor) RefreshGauges(schedule string, d *Dispatcher) error {
	return j.Every(schedule, "gauge-refresh", func() {
		for _, name := range d.registry.List() {
			d.metrics.SetInFlight(name, d.registry.InFlight(name))
		}
	})
}

// Start begins running scheduled jobs.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts scheduling and waits for running jobs to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
