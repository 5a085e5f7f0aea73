// Package datamodels holds the messages exchanged with saltstep workers.
package datamodels

import (
	"github.com/google/uuid"

	"github.com/andrej220/saltstep/pkg/orchestrator"
)

// RunRequest asks a worker to run Command on Target. Endpoint and
// credentials come from the worker's own settings.
type RunRequest struct {
	RequestID  uuid.UUID `json:"requestId"`
	Target     string    `json:"target" validate:"required"`
	Command    string    `json:"command" validate:"required"`
	APIVersion string    `json:"apiVersion,omitempty"`
}

// RunResponse is what a worker stores once a run is over.
type RunResponse struct {
	RequestID uuid.UUID            `json:"requestId" bson:"_id"`
	Reason    string               `json:"reason,omitempty" bson:"reason,omitempty"`
	Error     string               `json:"error,omitempty" bson:"error,omitempty"`
	Result    *orchestrator.Result `json:"result,omitempty" bson:"result,omitempty"`
}

// NewRunRequest fills in a fresh request ID.
func NewRunRequest(target, command string) RunRequest {
	return RunRequest{RequestID: uuid.New(), Target: target, Command: command}
}
