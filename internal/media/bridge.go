package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/austinkregel/codemd/internal/events"
	"github.com/austinkregel/codemd/internal/logging"
	"github.com/austinkregel/codemd/internal/state"
	"github.com/austinkregel/codemd/internal/types"
)

// Dispatcher runs a control command
type Dispatcher interface {
	Dispatch(ctx context.Context, command string, args map[string]any) (any, error)
}

// Bridge keeps a Session in step with the player and turns media keys into
// control commands.
type Bridge struct {
	session    Session
	dispatcher Dispatcher
	logger     *logrus.Entry

	mu     sync.Mutex
	status types.PlaybackStatus
	ctx    context.Context
}

// NewBridge wires session commands to dispatcher
func NewBridge(session Session, dispatcher Dispatcher) *Bridge {
	b := &Bridge{
		session:    session,
		dispatcher: dispatcher,
		logger:     logging.NewLogger("media"),
		ctx:        context.Background(),
	}
	session.SetCommandHandler(b)
	return b
}

// Run mirrors PLAYBACK_CHANGED events into the session until ctx is done
// or the subscription closes. initial is shown before the first event.
func (b *Bridge) Run(ctx context.Context, sub *events.Subscription, initial state.PlayerState) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	b.show(initial)
	for e := range sub.Events(ctx) {
		if e.Kind != events.PlaybackChanged {
			continue
		}
		st, ok := e.Payload.(state.PlayerState)
		if !ok {
			continue
		}
		b.show(st)
	}
}

func (b *Bridge) show(st state.PlayerState) {
	b.mu.Lock()
	b.status = st.Status
	b.mu.Unlock()
	if err := b.session.Update(SnapshotOf(st)); err != nil {
		b.logger.WithError(err).Debug("Failed to update media session")
	}
}

// OnCommand implements CommandHandler
func (b *Bridge) OnCommand(cmd Command, data any) error {
	b.mu.Lock()
	ctx, status := b.ctx, b.status
	b.mu.Unlock()

	name, args, err := translate(cmd, data, status)
	if err != nil {
		return err
	}
	log := b.logger.WithFields(logrus.Fields{"media_command": cmd.String(), "command": name})
	if _, err := b.dispatcher.Dispatch(ctx, name, args); err != nil {
		log.WithError(err).Debug("Media command rejected")
		return err
	}
	log.Debug("Media command handled")
	return nil
}

// translate maps a media command onto a control command
func translate(cmd Command, data any, status types.PlaybackStatus) (string, map[string]any, error) {
	switch cmd {
	case CmdPlay:
		return "play", nil, nil
	case CmdPause:
		return "pause", nil, nil
	case CmdPlayPause:
		if status == types.StatusPlaying {
			return "pause", nil, nil
		}
		return "play", nil, nil
	case CmdStop:
		return "stop", nil, nil
	case CmdNext:
		return "next_track", nil, nil
	case CmdPrevious:
		return "prev_track", nil, nil
	case CmdSeek:
		pos, ok := data.(time.Duration)
		if !ok {
			return "", nil, fmt.Errorf("seek needs a position, got %T", data)
		}
		return "set_position", map[string]any{"position": pos.Seconds()}, nil
	case CmdSetLoopStatus:
		ls, _ := data.(LoopStatus)
		mode, ok := loopModeOf(ls)
		if !ok {
			return "", nil, fmt.Errorf("unknown loop status %q", ls)
		}
		return "set_loop_mode", map[string]any{"mode": mode.String()}, nil
	case CmdSetVolume:
		v, ok := data.(float64)
		if !ok {
			return "", nil, fmt.Errorf("volume needs a number, got %T", data)
		}
		return "set_volume", map[string]any{"volume": v * 100}, nil
	}
	return "", nil, fmt.Errorf("unsupported media command %s", cmd)
}
