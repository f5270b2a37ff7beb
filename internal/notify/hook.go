package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"opsdeck/pkg/cmdutil"
)

// DefaultHookTimeout bounds how long a notification hook may run.
const DefaultHookTimeout = 10 * time.Second

// HookDeliverer executes a configured shell command as the push channel.
// The notification fields are passed through environment variables so the
// command never sees unquoted user content on its argument list.
type HookDeliverer struct {
	Command string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Deliver runs the hook when the delivery includes the push channel.
// A missing command or a non-push delivery is a no-op.
func (h *HookDeliverer) Deliver(n Notification, channels []Channel) error {
	if h.Command == "" || !hasChannel(channels, ChannelPush) {
		return nil
	}

	parts, err := cmdutil.ParseCommandString(h.Command)
	if err != nil {
		return fmt.Errorf("invalid notify hook command: %w", err)
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}

	env := append(os.Environ(),
		"OPSDECK_NOTIFY_ID="+n.ID,
		"OPSDECK_NOTIFY_TYPE="+string(n.Type),
		"OPSDECK_NOTIFY_TITLE="+n.Title,
		"OPSDECK_NOTIFY_MESSAGE="+n.Message,
		"OPSDECK_NOTIFY_PRIORITY="+string(n.Priority),
	)

	result, err := cmdutil.Run(context.Background(), cmdutil.ExecOptions{
		Timeout:        timeout,
		Env:            env,
		CombinedOutput: true,
	}, parts)
	if err != nil {
		return fmt.Errorf("notify hook failed: %w", err)
	}
	if h.Logger != nil {
		h.Logger.Debug("Notify hook executed",
			"command", cmdutil.FormatCommand(parts),
			"exit_code", result.ExitCode,
			"duration_ms", result.Duration.Milliseconds())
	}
	return nil
}

func hasChannel(channels []Channel, want Channel) bool {
	for _, ch := range channels {
		if ch == want {
			return true
		}
	}
	return false
}
