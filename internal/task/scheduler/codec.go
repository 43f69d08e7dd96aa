package scheduler

import (
	"fmt"

	"newsbot/internal/storage"
	"newsbot/internal/task"
)

func toRecord(t task.Task) (storage.TaskRecord, error) {
	kind, raw, err := task.EncodePayload(t.Payload)
	if err != nil {
		return storage.TaskRecord{}, err
	}
	return storage.TaskRecord{
		ID:             t.ID,
		Kind:           string(kind),
		Trigger:        t.Trigger.String(),
		Payload:        raw,
		DelayedChildID: t.DelayedChildID,
	}, nil
}

func fromRecord(rec storage.TaskRecord) (task.Task, error) {
	p, err := task.DecodePayload(task.Kind(rec.Kind), rec.Payload)
	if err != nil {
		return task.Task{}, err
	}
	tr, err := task.ParseTrigger(rec.Trigger)
	if err != nil {
		return task.Task{}, fmt.Errorf("trigger %q: %w", rec.Trigger, err)
	}
	t := task.Task{ID: rec.ID, Trigger: tr, Payload: p, DelayedChildID: rec.DelayedChildID}
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	return t, nil
}
