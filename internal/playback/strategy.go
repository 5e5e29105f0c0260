package playback

import (
	"context"
	"fmt"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

// Strategy is one way of getting an artifact played on the call leg.
// Issue returns nil once the switch accepted the command. Release, when
// set, undoes anything Issue left running after the wait.
type Strategy struct {
	Name    string
	Issue   func(ctx context.Context, control repositories.CallControl, task *entities.PlaybackTask) error
	Release func(ctx context.Context, control repositories.CallControl, task *entities.PlaybackTask)
}

// Strategy names accepted by StrategiesByName
const (
	StrategyBroadcast      = "broadcast"
	StrategySetVarPlayback = "setvar_playback"
	StrategyDisplace       = "displace"
)

// Broadcast plays the file on the a-leg immediately
var Broadcast = Strategy{
	Name: StrategyBroadcast,
	Issue: func(ctx context.Context, control repositories.CallControl, task *entities.PlaybackTask) error {
		return send(ctx, control, StrategyBroadcast,
			fmt.Sprintf("uuid_broadcast %s %s aleg", task.SessionID, task.Artifact.Path))
	},
}

// SetVarPlayback pins the playback sample rate before a standard playback
var SetVarPlayback = Strategy{
	Name: StrategySetVarPlayback,
	Issue: func(ctx context.Context, control repositories.CallControl, task *entities.PlaybackTask) error {
		if err := send(ctx, control, StrategySetVarPlayback,
			fmt.Sprintf("uuid_setvar %s playback_sample_rate %d", task.SessionID, task.Encoding.SampleRate)); err != nil {
			return err
		}
		return send(ctx, control, StrategySetVarPlayback,
			fmt.Sprintf("uuid_broadcast %s playback::%s aleg", task.SessionID, task.Artifact.Path))
	},
}

// Displace mixes the file into the leg's audio. It keeps running until
// released.
var Displace = Strategy{
	Name: StrategyDisplace,
	Issue: func(ctx context.Context, control repositories.CallControl, task *entities.PlaybackTask) error {
		return send(ctx, control, StrategyDisplace,
			fmt.Sprintf("uuid_displace %s start %s 0 mux", task.SessionID, task.Artifact.Path))
	},
	Release: func(ctx context.Context, control repositories.CallControl, task *entities.PlaybackTask) {
		_, _ = control.API(ctx, fmt.Sprintf("uuid_displace %s stop %s", task.SessionID, task.Artifact.Path))
	},
}

// DefaultStrategies is the fallback order used when none is configured
func DefaultStrategies() []Strategy {
	return []Strategy{Broadcast, SetVarPlayback, Displace}
}

// StrategiesByName resolves configured names in order
func StrategiesByName(names []string) ([]Strategy, error) {
	known := map[string]Strategy{
		StrategyBroadcast:      Broadcast,
		StrategySetVarPlayback: SetVarPlayback,
		StrategyDisplace:       Displace,
	}
	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		s, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown playback strategy %q", name)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return DefaultStrategies(), nil
	}
	return out, nil
}

func send(ctx context.Context, control repositories.CallControl, strategy, command string) error {
	reply, err := control.API(ctx, command)
	if err != nil {
		return &domain.IssuanceError{Strategy: strategy, Err: err}
	}
	if !reply.OK {
		return &domain.IssuanceError{Strategy: strategy, Reply: reply.Text}
	}
	return nil
}
