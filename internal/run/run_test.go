package run

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"compitutto/internal/diagnostics"
	"compitutto/internal/logging"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"authentication", Fail(ErrAuthentication, ReasonChallenge, nil), 2},
		{"navigation", Fail(ErrNavigation, ReasonViewUnreachable, errors.New("timeout")), 3},
		{"resolution", Fail(ErrResolution, ReasonTriggerNotFound, nil), 4},
		{"download timeout", Fail(ErrDownloadTimeout, ReasonTimedOut, nil), 5},
		{"persistence", Fail(ErrPersistence, ReasonWriteFailed, os.ErrPermission), 6},
		{"precondition", Fail(ErrPrecondition, ReasonMissingCredential, nil), 1},
		{"wrapped", fmt.Errorf("pipeline: %w", Fail(ErrResolution, ReasonModalUnresolvable, nil)), 4},
		{"unexpected", errors.New("chrome crashed"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestErrorUnwrapsKindAndCause(t *testing.T) {
	cause := os.ErrDeadlineExceeded
	err := Fail(ErrNavigation, ReasonLoginUnreachable, cause)

	assert.ErrorIs(t, err, ErrNavigation)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, ReasonLoginUnreachable, ReasonOf(fmt.Errorf("wrap: %w", err)))
	assert.Contains(t, err.Error(), "navigation failure: login-page-unreachable")
}

func TestFailfDetail(t *testing.T) {
	err := Failf(ErrAuthentication, ReasonRejected, "banner %q", "Credenziali errate")
	assert.Equal(t, `authentication failure: rejected (banner "Credenziali errate")`, err.Error())
}

func TestTimeoutsWithDefaults(t *testing.T) {
	got := Timeouts{Download: 5 * time.Second}.WithDefaults()
	assert.Equal(t, 5*time.Second, got.Download)
	assert.Equal(t, DefaultTimeouts().Navigation, got.Navigation)
	assert.Equal(t, DefaultTimeouts().PollInterval, got.PollInterval)
}

func TestNewCreatesDirectories(t *testing.T) {
	data := t.TempDir()
	sink := diagnostics.NewMemorySink()

	rc, err := New(Options{DataDir: data, Sink: sink})
	require.NoError(t, err)

	assert.NotEmpty(t, rc.ID)
	assert.Equal(t, filepath.Join(data, "debug"), rc.DebugDir)
	assert.Equal(t, filepath.Join(data, ".downloads", rc.ID), rc.StagingDir)
	assert.DirExists(t, rc.StagingDir)

	rc.Record("pipeline", "start", nil)
	events := sink.Find("start")
	require.Len(t, events, 1)
	assert.Equal(t, rc.ID, events[0].Attrs["run"])

	require.NoError(t, rc.Close())
	assert.NoDirExists(t, rc.StagingDir)
	assert.NoDirExists(t, filepath.Join(data, ".downloads"))
}

func TestRecordReachesSinkAndLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := diagnostics.NewMemorySink()

	rc, err := New(Options{DataDir: t.TempDir(), Sink: sink, Logs: logging.Wrap(zap.New(core))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	rc.Record("export", "branch.decided", map[string]string{"branch": "modal-detected"})

	require.Len(t, sink.Find("branch.decided"), 1)
	entries := logs.FilterMessage("branch.decided").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "diagnostics", entries[0].LoggerName)
	assert.Equal(t, "modal-detected", entries[0].ContextMap()["branch"])
}

func TestNewRequiresDataDir(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
