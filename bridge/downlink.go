package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/user/rover-link/logger"
)

// Controller executes downlink commands (satisfied by *engine.Engine)
type Controller interface {
	Send(ctx context.Context, cmd string) error
	StartKeepAlive(ctx context.Context, cmd string, interval time.Duration) error
	StopKeepAlive(ctx context.Context) error
	Capture(ctx context.Context) error
	StartMission(ctx context.Context, id string) error
	StopMission(ctx context.Context) error
}

// Command is a downlink request on rover.<id>.command
type Command struct {
	Action     string `json:"action"` // send, keepalive, stop, capture, mission_start, mission_stop
	Command    string `json:"command,omitempty"`
	IntervalMS int    `json:"interval_ms,omitempty"`
	MissionID  string `json:"mission_id,omitempty"`
}

// Reply answers a downlink request that carried a reply subject
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

const commandTimeout = 5 * time.Second

func (b *Bridge) handleCommand(msg *nats.Msg) {
	var cmd Command
	var err error
	if err = json.Unmarshal(msg.Data, &cmd); err != nil {
		err = fmt.Errorf("failed to unmarshal command: %w", err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		err = b.Execute(ctx, cmd)
		cancel()
	}

	if err != nil {
		logger.Warn("bridge", "❌ command %q failed: %v", cmd.Action, err)
	} else {
		logger.Info("bridge", "📨 command %q executed", cmd.Action)
	}

	if msg.Reply == "" {
		return
	}
	reply := Reply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	if perr := b.nc.Publish(msg.Reply, data); perr != nil {
		logger.Warn("bridge", "reply to %s: %v", msg.Reply, perr)
	}
}

// Execute runs one downlink command against the controller
func (b *Bridge) Execute(ctx context.Context, cmd Command) error {
	if b.ctrl == nil {
		return fmt.Errorf("no controller")
	}
	switch cmd.Action {
	case "send":
		if cmd.Command == "" {
			return fmt.Errorf("send needs a command")
		}
		return b.ctrl.Send(ctx, cmd.Command)
	case "keepalive":
		if cmd.Command == "" {
			return fmt.Errorf("keepalive needs a command")
		}
		return b.ctrl.StartKeepAlive(ctx, cmd.Command, time.Duration(cmd.IntervalMS)*time.Millisecond)
	case "stop":
		return b.ctrl.StopKeepAlive(ctx)
	case "capture":
		return b.ctrl.Capture(ctx)
	case "mission_start":
		return b.ctrl.StartMission(ctx, cmd.MissionID)
	case "mission_stop":
		return b.ctrl.StopMission(ctx)
	}
	return fmt.Errorf("unknown action %q", cmd.Action)
}
