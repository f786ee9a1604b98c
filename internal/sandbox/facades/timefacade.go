package facades

import (
	"context"
	"fmt"
	"time"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

const maxSleepMs = 10_000

// TimeFacade implements secplugin.TimeFacade. Ungated: every sandbox
// gets one regardless of granted permissions.
type TimeFacade struct {
	pluginID string
}

// NewTimeFacade builds the ungated time facade for one plugin.
func NewTimeFacade(pluginID string) *TimeFacade {
	return &TimeFacade{pluginID: pluginID}
}

func (t *TimeFacade) NowMs() int64 {
	return time.Now().UnixMilli()
}

func (t *TimeFacade) Sleep(ctx context.Context, ms int64) error {
	if ms < 0 || ms > maxSleepMs {
		return secplugin.NewRuntimeError(secplugin.KindCapabilityViolation, t.pluginID,
			fmt.Sprintf("sleep: ms=%d exceeds maximum %d", ms, maxSleepMs), nil)
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return secplugin.NewRuntimeError(secplugin.KindCancelled, t.pluginID, "sleep cancelled", ctx.Err())
	}
}
