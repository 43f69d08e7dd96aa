package scheduler

import "errors"

var (
	ErrNotFound       = errors.New("scheduler: task not found")
	ErrExpired        = errors.New("scheduler: trigger time already passed")
	ErrAlreadyDelayed = errors.New("scheduler: task is already a delayed child")
	ErrPersistence    = errors.New("scheduler: task store write failed")
	ErrInvalidTask    = errors.New("scheduler: invalid task")
	ErrNotBound       = errors.New("scheduler: handlers not bound")
)
