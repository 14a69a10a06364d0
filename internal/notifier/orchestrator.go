package notifier

import (
	"context"
	"log"

	"xrplalerts/internal/alerts"
	"xrplalerts/internal/eventbus"
	"xrplalerts/internal/models"
)

// Orchestrator bridges the committed-activity bus to the dispatcher: every
// activity is evaluated against the alert configs and each match becomes a
// set of queued notifications.
type Orchestrator struct {
	bus        *eventbus.Bus
	matcher    *alerts.Matcher
	dispatcher *Dispatcher
}

func NewOrchestrator(bus *eventbus.Bus, matcher *alerts.Matcher, dispatcher *Dispatcher) *Orchestrator {
	return &Orchestrator{bus: bus, matcher: matcher, dispatcher: dispatcher}
}

// Run consumes the bus until ctx is cancelled. A failure on one activity
// never blocks the next.
func (o *Orchestrator) Run(ctx context.Context) {
	events, cancel := o.bus.Subscribe()
	defer cancel()

	log.Printf("[matcher] orchestrator started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("[matcher] orchestrator stopped")
			return
		case detail, ok := <-events:
			if !ok {
				return
			}
			o.handle(ctx, detail)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, detail models.ActivityDetail) {
	matches, err := o.matcher.Evaluate(ctx, detail)
	if err != nil {
		log.Printf("[matcher] activity %d (tx %s): %v",
			detail.Activity.ID, detail.Activity.TransactionHash, err)
		return
	}
	for _, m := range matches {
		if !m.Result.Matched {
			continue
		}
		if err := o.dispatcher.Enqueue(ctx, detail, m.Config); err != nil {
			log.Printf("[matcher] enqueue alert %d for activity %d: %v",
				m.Config.ID, detail.Activity.ID, err)
		}
	}
}
