package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/talkavatar/internal/audio"
	"github.com/ent0n29/talkavatar/internal/config"
	"github.com/ent0n29/talkavatar/internal/media"
	"github.com/ent0n29/talkavatar/internal/protocol"
	"github.com/ent0n29/talkavatar/internal/remote"
	"github.com/ent0n29/talkavatar/internal/setup"
)

func mockConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.RemoteMode = config.RemoteModeMock
	cfg.PollInterval = time.Millisecond
	cfg.SessionStoreURL = "file://" + filepath.Join(t.TempDir(), "session.json")
	return cfg
}

func build(t *testing.T, cfg config.Config) *BuildResult {
	t.Helper()
	res, err := Build(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })
	return res
}

func TestFirstRunToFirstVideo(t *testing.T) {
	cfg := mockConfig(t)
	res := build(t, cfg)
	ctx := context.Background()
	require.Equal(t, setup.NeedsVoice, res.Setup.State())
	assert.Equal(t, "file", res.Store.Kind())

	wav, err := audio.EncodeWAVPCM16LE(make([]byte, 3<<20), audio.DefaultSampleRate)
	require.NoError(t, err)
	snap, err := res.Setup.SubmitVoice(ctx, setup.Upload{Filename: "me.wav", Data: wav})
	require.NoError(t, err)
	require.Equal(t, setup.NeedsClone, snap.State)

	snap, err = res.Setup.CreateClone(ctx, "", "")
	require.NoError(t, err)
	require.Equal(t, setup.NeedsImage, snap.State)

	jpg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 2<<20)...)
	snap, err = res.Setup.SubmitImage(ctx, setup.Upload{Filename: "me.jpg", Data: jpg})
	require.NoError(t, err)
	require.Equal(t, setup.Ready, snap.State)

	_, err = res.Manual.Speak(ctx, "Hello", false)
	require.NoError(t, err)
	task, err := res.Manual.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, task.Status)
	assert.Equal(t, media.KindVideo, task.Media.Kind)

	history := res.Manual.History()
	require.Len(t, history, 1)
	assert.Equal(t, "Hello", history[0].Text)

	playback := res.Player.State()
	assert.Equal(t, media.AuthorityVideo, playback.Authority)
	assert.Equal(t, task.VideoURL, playback.VideoURL)

	mock, ok := res.Remote.(*remote.Mock)
	require.True(t, ok)
	assert.Equal(t, 1, mock.Calls(remote.OpSpeak))
}

func TestSessionSurvivesRebuild(t *testing.T) {
	cfg := mockConfig(t)
	ctx := context.Background()

	first := build(t, cfg)
	wav, err := audio.EncodeWAVPCM16LE(make([]byte, 32000), audio.DefaultSampleRate)
	require.NoError(t, err)
	_, err = first.Setup.SubmitVoice(ctx, setup.Upload{Filename: "me.wav", Data: wav})
	require.NoError(t, err)
	_, err = first.Setup.CreateClone(ctx, "", "Mine")
	require.NoError(t, err)
	require.NoError(t, first.Cleanup())

	second := build(t, cfg)
	assert.Equal(t, setup.NeedsImage, second.Setup.State())
	assert.Equal(t, first.Setup.Snapshot().Session, second.Setup.Snapshot().Session)
}

func TestResolveMonitorModes(t *testing.T) {
	cfg := config.Default()
	mock := remote.NewMock()

	cfg.MonitorMode = config.MonitorModePoll
	mon, err := resolveMonitor(cfg, mock, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "poll", mon.monitor.Name())

	cfg.MonitorMode = config.MonitorModeStream
	cfg.RemoteStreamURL = "ws://127.0.0.1:1/stream"
	mon, err = resolveMonitor(cfg, mock, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "primary+fallback", mon.monitor.Name())
	require.NotNil(t, mon.cleanup)
	assert.NoError(t, mon.cleanup())

	cfg.MonitorMode = config.MonitorModeNATS
	cfg.NATSURL = ""
	_, err = resolveMonitor(cfg, mock, nil, zerolog.Nop())
	assert.Error(t, err)

	cfg.MonitorMode = config.MonitorModeAuto
	cfg.RemoteMode = config.RemoteModeMock
	mon, err = resolveMonitor(cfg, mock, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "poll", mon.monitor.Name())

	cfg.MonitorMode = "pigeon"
	cfg.RemoteMode = config.RemoteModeHTTP
	_, err = resolveMonitor(cfg, mock, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuildRejectsUnknownRemoteMode(t *testing.T) {
	cfg := mockConfig(t)
	cfg.RemoteMode = "carrier"
	_, err := Build(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
