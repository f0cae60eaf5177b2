package fanout

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"

	"github.com/programme-lv/judge/api"
)

// TermSubscriber prints frames to the terminal. Used by the combined
// single-binary mode to follow a submission without a websocket client.
type TermSubscriber struct {
	id string
}

func NewTermSubscriber(id string) *TermSubscriber {
	return &TermSubscriber{id: id}
}

func (s *TermSubscriber) ID() string { return s.id }

func (s *TermSubscriber) Send(frame any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	var head api.FrameHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		return err
	}

	switch head.Type {
	case api.FrameStatusUpdate:
		var f api.StatusUpdateFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		paint := color.New(color.FgYellow)
		if f.Status.ID == api.StatusAccepted {
			paint = color.New(color.FgGreen)
		} else if api.IsTerminal(f.Status.ID) {
			paint = color.New(color.FgRed)
		}
		paint.Printf("[%s] %s\n", head.Token, f.Status.Name)
	case api.FrameError:
		var f api.ErrorFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		color.New(color.FgRed).Printf("[%s] error: %s\n", head.Token, f.Error)
	case api.FrameProgressUpdate:
		var f api.ProgressUpdateFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		fmt.Printf("[%s] %s: %s\n", head.Token, f.Stage, f.Message)
	default:
		fmt.Printf("[%s] %s\n", head.Token, head.Type)
	}
	return nil
}

func (s *TermSubscriber) Close() error { return nil }
