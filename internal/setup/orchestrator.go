// Package setup walks a user through voice upload, voice cloning and image
// upload until an avatar is ready to speak.
package setup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/talkavatar/internal/audio"
	"github.com/ent0n29/talkavatar/internal/events"
	"github.com/ent0n29/talkavatar/internal/observability"
	"github.com/ent0n29/talkavatar/internal/protocol"
	"github.com/ent0n29/talkavatar/internal/remote"
	"github.com/ent0n29/talkavatar/internal/session"
)

type State string

const (
	NeedsVoice State = "needs_voice"
	NeedsClone State = "needs_clone"
	NeedsImage State = "needs_image"
	Ready      State = "ready"
)

const source = "setup"

var (
	ErrWrongState = errors.New("setup step not allowed in current state")
	ErrNotReady   = errors.New("avatar setup is not complete")
	ErrBusy       = errors.New("another setup step is in progress")
	ErrRemote     = errors.New("setup step failed")
)

// Remote is the part of the remote service setup needs.
type Remote interface {
	UploadVoice(ctx context.Context, filename string, data []byte) (protocol.VoiceUploadResponse, error)
	CreateClone(ctx context.Context, req protocol.CloneRequest) (protocol.CloneResponse, error)
	UploadImage(ctx context.Context, filename string, data []byte) (protocol.ImageUploadResponse, error)
}

type Limits struct {
	MaxVoiceBytes    int64
	MaxImageBytes    int64
	MinVoiceSeconds  float64
	DefaultCloneName string
}

func DefaultLimits() Limits {
	return Limits{
		MaxVoiceBytes:    10 << 20,
		MaxImageBytes:    5 << 20,
		MinVoiceSeconds:  10,
		DefaultCloneName: "My Clone",
	}
}

// Credentials are what generation requests carry once setup is ready.
type Credentials struct {
	CloneID string
	ImageID string
}

// Snapshot is the externally visible setup state.
type Snapshot struct {
	State      State           `json:"state"`
	Session    session.Session `json:"session"`
	Busy       bool            `json:"busy,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	Advisories []string        `json:"advisories,omitempty"`
}

// Orchestrator owns the Session. State is always derived from which
// identifiers are set, so ready holds exactly when all three are present.
type Orchestrator struct {
	remote  Remote
	store   session.Store
	pub     events.Publisher
	metrics *observability.Metrics
	limits  Limits
	log     zerolog.Logger
	now     func() time.Time

	// persistMu orders store writes. Holders re-check epoch so a Save for a
	// step that lost to Reset never lands after the Clear.
	persistMu sync.Mutex

	mu         sync.Mutex
	sess       session.Session
	busy       bool
	epoch      uint64
	lastError  string
	advisories []string
}

func New(remote Remote, store session.Store, pub events.Publisher, metrics *observability.Metrics, limits Limits, logger zerolog.Logger) *Orchestrator {
	if store == nil {
		store = session.NewMemoryStore()
	}
	if limits.DefaultCloneName == "" {
		limits.DefaultCloneName = "My Clone"
	}
	return &Orchestrator{
		remote:  remote,
		store:   store,
		pub:     events.OrDiscard(pub),
		metrics: metrics,
		limits:  limits,
		log:     logger.With().Str("component", "setup").Logger(),
		now:     time.Now,
	}
}

func stateOf(s session.Session) State {
	switch {
	case s.VoiceID == "":
		return NeedsVoice
	case s.CloneID == "":
		return NeedsClone
	case s.ImageID == "":
		return NeedsImage
	default:
		return Ready
	}
}

// Restore loads persisted identifiers. A store that cannot be read leaves
// the orchestrator at needs_voice.
func (o *Orchestrator) Restore(ctx context.Context) (Snapshot, error) {
	loaded, err := o.store.Load(ctx)
	if err != nil {
		o.log.Warn().Err(err).Str("store", o.store.Kind()).Msg("session restore failed")
		return o.Snapshot(), fmt.Errorf("restore session: %w", err)
	}
	loaded = loaded.Normalize()

	o.mu.Lock()
	from := stateOf(o.sess)
	o.sess = loaded
	to := stateOf(o.sess)
	snap := o.snapshotLocked()
	o.mu.Unlock()

	if from != to {
		o.transitioned(from, to, snap)
	}
	o.log.Info().Str("state", string(to)).Str("store", o.store.Kind()).Msg("session restored")
	return snap, nil
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return stateOf(o.sess)
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{
		State:      stateOf(o.sess),
		Session:    o.sess,
		Busy:       o.busy,
		LastError:  o.lastError,
		Advisories: append([]string(nil), o.advisories...),
	}
}

// Credentials gates generation on a ready avatar.
func (o *Orchestrator) Credentials() (Credentials, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.sess.Ready() {
		return Credentials{}, fmt.Errorf("%w: %s", ErrNotReady, stateOf(o.sess))
	}
	return Credentials{CloneID: o.sess.CloneID, ImageID: o.sess.ImageID}, nil
}

// SubmitVoice uploads a voice sample: needs_voice -> needs_clone.
func (o *Orchestrator) SubmitVoice(ctx context.Context, u Upload) (Snapshot, error) {
	const op = remote.OpUploadVoice
	if err := validateVoice(u, o.limits.MaxVoiceBytes); err != nil {
		return o.rejected(op, err)
	}
	epoch, err := o.begin(op, NeedsVoice)
	if err != nil {
		return o.Snapshot(), err
	}

	var advisories []string
	var localSeconds float64
	if u.ext() == ".wav" {
		if info, err := audio.InspectWAV(u.Data); err == nil {
			localSeconds = info.Duration().Seconds()
		}
	}

	started := o.now()
	resp, err := o.remote.UploadVoice(ctx, u.Filename, u.Data)
	o.metrics.ObserveStage(observability.StageSetupVoice, o.now().Sub(started))
	if err == nil && strings.TrimSpace(resp.VoiceID) == "" {
		err = fmt.Errorf("%w: voice upload returned no voice_id", protocol.ErrMalformedResponse)
	}
	if err != nil {
		return o.failed(op, epoch, err)
	}

	seconds := resp.Duration
	if seconds <= 0 {
		seconds = localSeconds
	}
	if minSeconds := o.limits.MinVoiceSeconds; minSeconds > 0 && seconds > 0 && seconds < minSeconds {
		advisories = append(advisories, fmt.Sprintf("voice sample is %.1fs; at least %.0fs gives a better clone", seconds, minSeconds))
	}
	return o.advance(ctx, op, epoch, func(s *session.Session) { s.VoiceID = strings.TrimSpace(resp.VoiceID) }, advisories)
}

// CreateClone clones the uploaded voice: needs_clone -> needs_image. An
// empty voiceID uses the stored one; a different one is rejected.
func (o *Orchestrator) CreateClone(ctx context.Context, voiceID, name string) (Snapshot, error) {
	const op = remote.OpCreateClone
	name, err := normalizeCloneName(name, o.limits.DefaultCloneName)
	if err != nil {
		return o.rejected(op, err)
	}
	epoch, err := o.begin(op, NeedsClone)
	if err != nil {
		return o.Snapshot(), err
	}

	o.mu.Lock()
	stored := o.sess.VoiceID
	o.mu.Unlock()
	voiceID = strings.TrimSpace(voiceID)
	if voiceID == "" {
		voiceID = stored
	}
	if voiceID != stored {
		o.end(epoch)
		return o.rejected(op, &ValidationError{Field: "voice_id", Reason: "does not match the uploaded voice sample"})
	}

	started := o.now()
	resp, err := o.remote.CreateClone(ctx, protocol.CloneRequest{VoiceID: voiceID, Name: name})
	o.metrics.ObserveStage(observability.StageSetupClone, o.now().Sub(started))
	if err == nil && strings.TrimSpace(resp.CloneID) == "" {
		err = fmt.Errorf("%w: clone returned no clone_id", protocol.ErrMalformedResponse)
	}
	if err != nil {
		return o.failed(op, epoch, err)
	}
	return o.advance(ctx, op, epoch, func(s *session.Session) { s.CloneID = strings.TrimSpace(resp.CloneID) }, nil)
}

// SubmitImage uploads the face image: needs_image -> ready.
func (o *Orchestrator) SubmitImage(ctx context.Context, u Upload) (Snapshot, error) {
	const op = remote.OpUploadImage
	if err := validateImage(u, o.limits.MaxImageBytes); err != nil {
		return o.rejected(op, err)
	}
	epoch, err := o.begin(op, NeedsImage)
	if err != nil {
		return o.Snapshot(), err
	}

	started := o.now()
	resp, err := o.remote.UploadImage(ctx, u.Filename, u.Data)
	o.metrics.ObserveStage(observability.StageSetupImage, o.now().Sub(started))
	if err == nil && strings.TrimSpace(resp.ImageID) == "" {
		err = fmt.Errorf("%w: image upload returned no image_id", protocol.ErrMalformedResponse)
	}
	if err != nil {
		return o.failed(op, epoch, err)
	}

	var advisories []string
	if !resp.FaceDetected {
		advisories = append(advisories, "no face was detected in the image; the avatar may not animate well")
	}
	return o.advance(ctx, op, epoch, func(s *session.Session) { s.ImageID = strings.TrimSpace(resp.ImageID) }, advisories)
}

// Reset clears every identifier and returns to needs_voice. It never fails;
// an in-flight step finishing afterwards is discarded.
func (o *Orchestrator) Reset(ctx context.Context) Snapshot {
	o.mu.Lock()
	from := stateOf(o.sess)
	o.sess = session.Session{}
	o.epoch++
	o.busy = false
	o.lastError = ""
	o.advisories = nil
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.persistMu.Lock()
	if err := o.store.Clear(ctx); err != nil {
		o.log.Warn().Err(err).Str("store", o.store.Kind()).Msg("clearing persisted session failed")
	}
	o.persistMu.Unlock()
	o.log.Info().Str("from", string(from)).Msg("setup reset")
	o.transitioned(from, NeedsVoice, snap)
	return snap
}

func (o *Orchestrator) begin(op string, want State) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return 0, ErrBusy
	}
	if got := stateOf(o.sess); got != want {
		o.metrics.ObserveSetupError(op, "wrong_state")
		return 0, fmt.Errorf("%w: %s requires %s, state is %s", ErrWrongState, op, want, got)
	}
	o.busy = true
	return o.epoch, nil
}

func (o *Orchestrator) end(epoch uint64) {
	o.mu.Lock()
	if o.epoch == epoch {
		o.busy = false
	}
	o.mu.Unlock()
}

func (o *Orchestrator) rejected(op string, err error) (Snapshot, error) {
	o.metrics.ObserveSetupError(op, "validation")
	o.mu.Lock()
	o.lastError = err.Error()
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.publish(events.SetupFailed, err.Error(), snap)
	return snap, err
}

func (o *Orchestrator) failed(op string, epoch uint64, cause error) (Snapshot, error) {
	o.metrics.ObserveSetupError(op, "remote")
	err := fmt.Errorf("%w: %s: %w", ErrRemote, op, cause)

	o.mu.Lock()
	if o.epoch == epoch {
		o.busy = false
		o.lastError = userMessage(cause)
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.log.Warn().Err(cause).Str("op", op).Msg("setup step failed")
	o.publish(events.SetupFailed, userMessage(cause), snap)
	return snap, err
}

// advance applies a successful step unless Reset ran meanwhile, then
// persists the identifiers. Persistence failures are logged only.
func (o *Orchestrator) advance(ctx context.Context, op string, epoch uint64, mutate func(*session.Session), advisories []string) (Snapshot, error) {
	o.mu.Lock()
	if o.epoch != epoch {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.log.Info().Str("op", op).Msg("discarding setup result after reset")
		return snap, fmt.Errorf("%w: setup was reset during %s", ErrWrongState, op)
	}
	from := stateOf(o.sess)
	next := o.sess
	mutate(&next)
	o.sess = next
	o.busy = false
	o.lastError = ""
	o.advisories = append(o.advisories, advisories...)
	to := stateOf(o.sess)
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.persist(ctx, op, epoch, next)
	for _, advisory := range advisories {
		o.log.Info().Str("op", op).Msg(advisory)
		o.publish(events.SetupAdvisory, advisory, snap)
	}
	o.transitioned(from, to, snap)
	return snap, nil
}

func (o *Orchestrator) persist(ctx context.Context, op string, epoch uint64, sess session.Session) {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	o.mu.Lock()
	current := o.epoch == epoch
	o.mu.Unlock()
	if !current {
		o.log.Info().Str("op", op).Msg("skipping persistence after reset")
		return
	}
	if err := o.store.Save(ctx, sess); err != nil {
		o.log.Warn().Err(err).Str("store", o.store.Kind()).Msg("persisting session failed")
	}
}

func (o *Orchestrator) transitioned(from, to State, snap Snapshot) {
	o.metrics.ObserveSetupTransition(string(from), string(to))
	o.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("setup state changed")
	o.publish(events.SetupStateChanged, string(to), snap)
}

func (o *Orchestrator) publish(typ events.Type, detail string, snap Snapshot) {
	o.pub.Publish(events.Event{
		Type:    typ,
		Source:  source,
		Detail:  detail,
		Payload: snap,
		At:      o.now().UTC(),
	})
}

func userMessage(err error) string {
	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	return err.Error()
}
