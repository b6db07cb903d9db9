package saga

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Redrive records the awaited command of a stuck saga again, with the same
// event id as the original. Participants that already handled it dedupe the
// copy. Nothing calls this on a timer; operators trigger it.
func (o *Orchestrator) Redrive(ctx context.Context, sagaID string) (string, error) {
	tx, err := o.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := o.sagas.GetForUpdate(ctx, tx, sagaID)
	if err != nil {
		return "", fmt.Errorf("load saga %s: %w", sagaID, err)
	}
	if s == nil {
		return "", ErrSagaNotFound
	}
	if s.State.Terminal() {
		return "", ErrSagaTerminal
	}
	emit, ok := AwaitedCommand(s.State)
	if !ok {
		return "", ErrNothingToRedrive
	}

	order, err := o.loadOrder(ctx, s.OrderID)
	if err != nil {
		return "", err
	}
	eventID, err := o.emit(ctx, tx, *s, order, emit)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	o.log.Info("saga command re-driven",
		zap.String("saga_id", s.ID),
		zap.String("state", s.State.String()),
		zap.String("command_event_id", eventID))
	return eventID, nil
}
