package services

import (
	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
)

// Fitness weights. The priority term adds 5..20 and is the same for every
// candidate of a given task, so it shifts scores without changing the ranking.
const (
	weightIdle       = 50.0
	weightSpecialist = 30.0
	weightDesktop    = 20.0
	weightPriority   = 5.0
)

// Fitness scores how well a worker fits a task; higher is better.
func Fitness(w domain.WorkerCapacity, t domain.Task) float64 {
	score := 0.0

	if w.MaxConcurrent > 0 {
		score += weightIdle * (1.0 - float64(w.CurrentLoad)/float64(w.MaxConcurrent))
	}
	if w.HasCapability(t.Kind) {
		score += weightSpecialist
	}
	if w.Privileged() && t.Kind == domain.TaskKindComplex {
		score += weightDesktop
	}
	if t.Priority.Valid() {
		score += weightPriority * float64(t.Priority)
	}
	return score
}

// SelectWorker returns the highest scoring candidate. Equal scores go to the
// lexically smallest worker id so the result does not depend on input order.
func SelectWorker(t domain.Task, candidates []domain.WorkerCapacity) (domain.WorkerCapacity, bool) {
	var (
		best      domain.WorkerCapacity
		bestScore float64
		found     bool
	)
	for _, c := range candidates {
		score := Fitness(c, t)
		if !found || score > bestScore || (score == bestScore && c.ID < best.ID) {
			best, bestScore, found = c, score, true
		}
	}
	return best, found
}
