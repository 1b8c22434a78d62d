package handlers

import (
	"labqueue/internal/models"
	"labqueue/internal/service/assign"
)

// TaskAssignItems is the task name for bulk item assignment to a target.
const TaskAssignItems = "assign_items"

type HandlerRegistrar interface {
	RegisterAll(handlers map[string]models.TaskHandler) error
	Seal()
}

// RegisterAllHandlers binds every task handler and seals the registry, so
// the mapping stays immutable while the dispatcher runs.
func RegisterAllHandlers(
	registry HandlerRegistrar,
	assignSvc *assign.Svc,
) error {
	handlers := map[string]models.TaskHandler{
		TaskAssignItems: NewAssignHandler(assignSvc),
	}
	if err := registry.RegisterAll(handlers); err != nil {
		return err
	}
	registry.Seal()
	return nil
}
