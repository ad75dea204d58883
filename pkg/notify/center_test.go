package notify

import (
	"errors"
	"testing"

	"github.com/harun/plughost/pkg/host"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingToaster struct {
	shown     []host.Toast
	dismissed []string
	failShow  bool
}

func (r *recordingToaster) Toast(t host.Toast) error {
	if r.failShow {
		return errors.New("shell unavailable")
	}
	r.shown = append(r.shown, t)
	return nil
}

func (r *recordingToaster) DismissToast(id string) error {
	r.dismissed = append(r.dismissed, id)
	return nil
}

func TestCenterShowSameKindDismissesPrevious(t *testing.T) {
	toaster := &recordingToaster{}
	c := New(toaster, zerolog.Nop())

	first := c.Show(KindLoaderUpdate, Notification{Title: "Update", Body: "v1.1 available"})
	second := c.Show(KindLoaderUpdate, Notification{Title: "Update", Body: "v1.2 available"})

	assert.NotEqual(t, first, second)
	require.Len(t, toaster.shown, 2)
	assert.Equal(t, []string{string(first)}, toaster.dismissed)

	active := c.Active()
	require.Len(t, active, 1)
	assert.Equal(t, second, active[0].ID)
	assert.Equal(t, "v1.2 available", active[0].Notification.Body)
}

func TestCenterKindsAreIndependent(t *testing.T) {
	toaster := &recordingToaster{}
	c := New(toaster, zerolog.Nop())

	c.Show(PluginErrorKind("alpha"), Notification{Title: "alpha failed", Level: "error"})
	c.Show(PluginErrorKind("beta"), Notification{Title: "beta failed", Level: "error"})
	c.Show(KindPluginUpdates, Notification{Title: "2 updates"})

	assert.Empty(t, toaster.dismissed)
	active := c.Active()
	require.Len(t, active, 3)
	assert.Equal(t, "plugin-error:alpha", active[0].Kind)
	assert.Equal(t, "plugin-error:beta", active[1].Kind)
	assert.Equal(t, "plugin-updates", active[2].Kind)
}

func TestCenterDismiss(t *testing.T) {
	toaster := &recordingToaster{}
	c := New(toaster, zerolog.Nop())

	id := c.Show(KindPluginUpdates, Notification{Title: "updates"})
	assert.Equal(t, "info", toaster.shown[0].Level)

	assert.True(t, c.Dismiss(KindPluginUpdates))
	assert.False(t, c.Dismiss(KindPluginUpdates))
	assert.Equal(t, []string{string(id)}, toaster.dismissed)
	assert.Empty(t, c.Active())
}

func TestCenterToasterFailureStillTracked(t *testing.T) {
	toaster := &recordingToaster{failShow: true}
	c := New(toaster, zerolog.Nop())

	id := c.Show(KindLoaderUpdate, Notification{Title: "update"})
	require.Len(t, c.Active(), 1)

	c.Show(KindLoaderUpdate, Notification{Title: "update"})
	assert.Equal(t, []string{string(id)}, toaster.dismissed)
}

func TestKindLabel(t *testing.T) {
	assert.Equal(t, "plugin-error", kindLabel(PluginErrorKind("x")))
	assert.Equal(t, "loader-update", kindLabel(KindLoaderUpdate))
}
