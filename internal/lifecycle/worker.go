// Package lifecycle owns the versioned cache generations: installing a new
// generation's partitions, activating it behind a barrier that reaps every
// older generation, and tracking which worker controls each consumer.
package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/readerguard/internal/manifest"
	"github.com/l0p7/readerguard/internal/namespace"
	"github.com/l0p7/readerguard/internal/strategy"
)

// State is a worker's position in the lifecycle.
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// Worker is one generation's controller: its namespace, its partitions and
// the strategy engine bound to them.
type Worker struct {
	id          string
	ns          *namespace.Manager
	manifest    manifest.Manifest
	partitions  strategy.Partitions
	engine      *strategy.Engine
	installedAt time.Time

	// guarded by Registration.mu
	state       State
	skipWaiting bool
}

func newWorker(ns *namespace.Manager, m manifest.Manifest) *Worker {
	return &Worker{id: uuid.NewString(), ns: ns, manifest: m.Clone(), state: StateInstalling}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Generation() namespace.Generation { return w.ns.Generation() }

func (w *Worker) Namespace() *namespace.Manager { return w.ns }

func (w *Worker) Partitions() strategy.Partitions { return w.partitions }

// Engine is nil until install has opened the partitions.
func (w *Worker) Engine() *strategy.Engine { return w.engine }

func (w *Worker) Manifest() manifest.Manifest { return w.manifest.Clone() }
