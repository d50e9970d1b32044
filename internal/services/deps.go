package services

import (
	"github.com/juju/clock"

	"verifyhub/internal/config"
	"verifyhub/internal/models"
	"verifyhub/internal/provider"
	"verifyhub/internal/repositories"
	"verifyhub/internal/resilience"
)

// Publisher receives every committed transition. realtime.Hub implements it.
type Publisher interface {
	Publish(ev models.StatusEvent)
}

// Observer counts transitions. metrics.Collector implements it.
type Observer interface {
	ObserveTransition(kind models.EntityKind, status string)
}

type nopPublisher struct{}

func (nopPublisher) Publish(models.StatusEvent) {}

type nopObserver struct{}

func (nopObserver) ObserveTransition(models.EntityKind, string) {}

// Deps are the collaborators shared by the lifecycle services.
type Deps struct {
	Store     repositories.Store
	Ledger    *LedgerService
	Provider  provider.API
	Executor  *resilience.Executor
	Publisher Publisher
	Observer  Observer
	Locks     *Locks
	Clock     clock.Clock
	Pricing   *config.Pricing
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Locks == nil {
		d.Locks = NewLocks()
	}
	if d.Ledger == nil {
		d.Ledger = NewLedgerService(d.Store, d.Clock)
	}
	return d
}
