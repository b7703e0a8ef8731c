package ledger

import "context"

// ApplyStatus applies one inbound provider status event to the generation's
// state machine. Deliveries are not exactly-once: duplicates and anything
// arriving after a terminal state are dropped as no-ops, never errors. Status
// transitions have no credit effect; the debit happened at authorization.
func (service *Service) ApplyStatus(ctx context.Context, generationID GenerationID, event StatusEvent) (Generation, error) {
	var generation Generation
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetGeneration(ctx, generationID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			generation = current
			return nil
		}
		target, patch, changed := transitionFor(current, event)
		if !changed {
			generation = current
			return nil
		}
		if err := transactionStore.UpdateGenerationStatus(ctx, generationID, current.Status, target, patch); err != nil {
			return err
		}
		generation = applyPatch(current, target, patch)
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationStatus,
		GenerationID: generationID.String(),
		Status:       string(event.Kind),
		Error:        operationError,
	})
	if operationError != nil {
		return Generation{}, operationError
	}
	return generation, nil
}

// transitionFor resolves the state-machine step for a non-terminal
// generation. A completed event while still pending is accepted: the
// processing acknowledgement may have been lost.
func transitionFor(current Generation, event StatusEvent) (GenerationStatus, GenerationPatch, bool) {
	switch event.Kind {
	case StatusEventProcessing:
		if current.Status != GenerationPending {
			return current.Status, GenerationPatch{}, false
		}
		patch := GenerationPatch{}
		if event.TaskID != "" {
			taskID := event.TaskID
			patch.TaskID = &taskID
		}
		return GenerationProcessing, patch, true
	case StatusEventCompleted:
		patch := GenerationPatch{}
		if event.ResultRefsJSON != "" {
			resultRefs := event.ResultRefsJSON
			patch.ResultRefsJSON = &resultRefs
		}
		return GenerationCompleted, patch, true
	case StatusEventFailed:
		patch := GenerationPatch{}
		if event.ErrorMessage != "" {
			errorMessage := event.ErrorMessage
			patch.ErrorMessage = &errorMessage
		}
		return GenerationFailed, patch, true
	}
	return current.Status, GenerationPatch{}, false
}

func applyPatch(generation Generation, status GenerationStatus, patch GenerationPatch) Generation {
	generation.Status = status
	if patch.TaskID != nil {
		generation.TaskID = *patch.TaskID
	}
	if patch.ResultRefsJSON != nil {
		generation.ResultRefsJSON = *patch.ResultRefsJSON
	}
	if patch.ErrorMessage != nil {
		generation.ErrorMessage = *patch.ErrorMessage
	}
	return generation
}

// Generation returns the current job row.
func (service *Service) Generation(ctx context.Context, generationID GenerationID) (Generation, error) {
	return service.store.GetGeneration(ctx, generationID)
}
