// Package orchestrator routes incoming analysis requests to the right
// workflow: fully automated trading or a manual chart hand-off.
package orchestrator

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tradebridge/internal/domain"
	"tradebridge/internal/services/automator"
)

// Workflow kinds accepted by Handle.
const (
	KindAutomator      = "automator"
	KindManualAnalyzer = "manual_analyzer"
)

// ImageStore persists chart frames and returns their public URLs.
type ImageStore interface {
	SaveTempBase64(data string) (string, error)
}

// Runner executes the automated trade cycle.
type Runner interface {
	Run(ctx context.Context, userID, imageRef string, form []domain.FormRow) (automator.Result, error)
}

// Request is one analysis submission.
type Request struct {
	Kind string           `json:"kind"`
	Img  string           `json:"img"`
	Form []domain.FormRow `json:"form"`
}

// Response is the workflow outcome. Automated runs fill Automation; manual
// hand-offs fill Img with the stored frame's public URL.
type Response struct {
	OK         bool              `json:"ok"`
	Img        string            `json:"img,omitempty"`
	Automation *automator.Result `json:"automation,omitempty"`
}

// Orchestrator dispatches analysis requests.
type Orchestrator struct {
	images ImageStore
	runner Runner
	logger *zap.Logger
}

// New creates the orchestrator.
func New(images ImageStore, runner Runner, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{images: images, runner: runner, logger: logger}
}

// Handle validates the request, stores the chart frame and dispatches to
// the requested workflow.
func (o *Orchestrator) Handle(ctx context.Context, userID string, req Request) (Response, error) {
	if req.Kind != KindAutomator && req.Kind != KindManualAnalyzer {
		return Response{}, errors.Wrapf(domain.ErrInvalidArgument, "unknown workflow kind %q", req.Kind)
	}
	if req.Img == "" {
		return Response{}, errors.Wrap(domain.ErrInvalidArgument, "img is required")
	}

	publicURL, err := o.images.SaveTempBase64(req.Img)
	if err != nil {
		return Response{}, errors.Wrap(err, "store chart frame")
	}

	o.logger.Debug("chart frame stored",
		zap.String("user_id", userID),
		zap.String("kind", req.Kind),
		zap.String("url", publicURL))

	if req.Kind == KindManualAnalyzer {
		return Response{OK: true, Img: publicURL}, nil
	}

	result, err := o.runner.Run(ctx, userID, publicURL, req.Form)
	if err != nil {
		return Response{}, err
	}
	return Response{OK: true, Automation: &result}, nil
}
