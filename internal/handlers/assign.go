package handlers

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"labqueue/internal/service/assign"
)

type AssignHandler interface {
	HandleChunk(ctx context.Context, targetRef string, chunk []string) ([]string, error)
}

type assignHandler struct {
	assignSvc *assign.Svc
}

func (h *assignHandler) HandleChunk(ctx context.Context, targetRef string, chunk []string) ([]string, error) {
	startTime := time.Now()
	log.WithFields(log.Fields{
		"target_ref": targetRef,
		"items":      len(chunk),
	}).Info("Starting assign chunk")

	applied, err := h.assignSvc.ApplyItems(ctx, targetRef, chunk)
	if err != nil {
		return applied, fmt.Errorf("failed to assign items: %w", err)
	}

	log.WithFields(log.Fields{
		"target_ref": targetRef,
		"applied":    len(applied),
		"duration":   time.Since(startTime).String(),
	}).Info("Completed assign chunk")

	return applied, nil
}

func NewAssignHandler(assignSvc *assign.Svc) AssignHandler {
	return &assignHandler{
		assignSvc: assignSvc,
	}
}
