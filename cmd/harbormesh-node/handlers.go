package main

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/harbor_mesh/internal/node"
)

type pingResponse struct {
	Pong      bool      `json:"pong"`
	Responder string    `json:"responder"`
	Time      time.Time `json:"time"`
}

type slowRequest struct {
	Steps     int    `json:"steps"`
	StepDelay string `json:"stepDelay"`
}

type slowProgress struct {
	Step  int `json:"step"`
	Steps int `json:"steps"`
}

type slowResponse struct {
	Steps   int    `json:"steps"`
	Elapsed string `json:"elapsed"`
}

const maxSlowSteps = 100

// exampleHandlers registers ping, echo and slow. slow sends a status update
// after every step so callers with a short timeout keep waiting.
func exampleHandlers(n func() *node.Node) *node.Handlers {
	h := node.NewHandlers()

	node.Handle(h, "ping", func(_ context.Context, _ struct{}) (pingResponse, error) {
		return pingResponse{Pong: true, Responder: n().Address().String(), Time: time.Now().UTC()}, nil
	})

	node.Handle(h, "echo", func(_ context.Context, body map[string]any) (map[string]any, error) {
		return body, nil
	})

	node.Handle(h, "slow", func(ctx context.Context, req slowRequest) (slowResponse, error) {
		if req.Steps <= 0 || req.Steps > maxSlowSteps {
			return slowResponse{}, errors.New("steps must be between 1 and 100")
		}
		delay := time.Second
		if req.StepDelay != "" {
			d, err := time.ParseDuration(req.StepDelay)
			if err != nil {
				return slowResponse{}, err
			}
			delay = d
		}

		started := time.Now()
		for step := 1; step <= req.Steps; step++ {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return slowResponse{}, ctx.Err()
			}
			if step == req.Steps {
				break
			}
			if err := n().StatusUpdate(ctx, slowProgress{Step: step, Steps: req.Steps}); err != nil {
				n().Logger().WithContext(ctx).WithError(err).Warn("Failed to send progress")
			}
		}
		return slowResponse{Steps: req.Steps, Elapsed: time.Since(started).String()}, nil
	})

	return h
}
