// Package reconcile keeps three views of each device consistent: the
// last-known cloud state, the user's commanded intent and the locally
// displayed state. Commands apply optimistically and are confirmed (or
// abandoned) asynchronously; polls are version-guarded against out-of-order
// delivery.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"kumobridge/internal/bus"
	"kumobridge/internal/device"
	"kumobridge/internal/kumo"
	"kumobridge/internal/metrics"
	"kumobridge/internal/units"
)

// CloudAPI is the slice of the cloud client the reconciler needs.
type CloudAPI interface {
	Device(ctx context.Context, serial string) (*kumo.DeviceDetails, error)
	SendCommand(ctx context.Context, serial string, commands map[string]any, requestID string) error
}

// StateStore persists last-known device state across restarts.
type StateStore interface {
	SaveDeviceState(serial, siteID string, state device.State) error
	LoadDeviceState(serial string) (*device.State, error)
	DeleteDeviceState(serial string) error
}

// Snapshot is the read-only view handed to the entity surface.
type Snapshot struct {
	Serial string
	SiteID string
	Name   string
	Phase  Phase
	Stale  bool
	// StaleErr is the *StaleDataError behind the Stale flag, nil when the
	// device is fresh or adopted from persistence without a known cause.
	StaleErr error
	State    device.State
	Caps     *device.Capabilities
}

// Config holds reconciler tuning.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

type trackedDevice struct {
	mu sync.Mutex

	serial string
	siteID string
	name   string

	caps      *device.Capabilities
	phase     Phase
	stale     bool
	staleErr  error
	lastKnown device.State
	displayed device.State
	pending   *pendingCommand

	// kick wakes the dispatch goroutine; done ends it on eviction.
	kick chan struct{}
	done chan struct{}
}

// Reconciler drives per-device state machines. Updates to one device are
// serialized under its mutex; each device has a single dispatch goroutine.
type Reconciler struct {
	api   CloudAPI
	store StateStore
	bus   *bus.Bus
	cfg   Config

	ctx     context.Context
	started atomic.Bool
	seq     atomic.Int64

	mu      sync.RWMutex
	devices map[string]*trackedDevice

	pollNow chan string
}

// New creates a Reconciler. store and b may be nil in tests.
func New(api CloudAPI, store StateStore, b *bus.Bus, cfg Config) *Reconciler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 30 * time.Second
	}

	return &Reconciler{
		api:     api,
		store:   store,
		bus:     b,
		cfg:     cfg,
		devices: make(map[string]*trackedDevice),
		pollNow: make(chan string, 32),
	}
}

// Start launches the polling loop. Must be called before Track.
func (r *Reconciler) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.ctx = ctx
	go r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) {
	log.Info().Dur("poll_interval", r.cfg.PollInterval).Msg("Reconciler started")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciler stopping")
			return
		case serial := <-r.pollNow:
			if d := r.get(serial); d != nil {
				r.pollDevice(ctx, d)
			}
		case <-ticker.C:
			for _, d := range r.list() {
				select {
				case <-ctx.Done():
					return
				default:
				}
				r.pollDevice(ctx, d)
			}
		}
	}
}

// Track starts managing a device. initial is its current cloud state from
// the directory refresh; when nil, persisted last-known state is adopted
// and flagged stale until the first poll confirms it. An immediate poll is
// scheduled either way.
func (r *Reconciler) Track(serial, siteID, name string, caps *device.Capabilities, initial *device.State) {
	d := &trackedDevice{
		serial: serial,
		siteID: siteID,
		name:   name,
		caps:   caps,
		phase:  PhaseSynced,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	if initial != nil {
		d.lastKnown = *initial
		d.displayed = *initial
	} else if r.store != nil {
		if stored, err := r.store.LoadDeviceState(serial); err != nil {
			log.Warn().Err(err).Str("serial", serial).Msg("Failed to load persisted state")
		} else if stored != nil {
			d.lastKnown = *stored
			d.displayed = *stored
			d.stale = true
			d.phase = PhaseStale
		}
	}

	r.mu.Lock()
	if _, exists := r.devices[serial]; exists {
		r.mu.Unlock()
		return
	}
	r.devices[serial] = d
	count := len(r.devices)
	r.mu.Unlock()

	metrics.TrackedDevices.Set(float64(count))
	log.Info().Str("serial", serial).Str("site", siteID).Str("name", name).Msg("Tracking device")

	go r.dispatchLoop(d)

	r.publish(bus.EventTypeDeviceAdded, d)
	select {
	case r.pollNow <- serial:
	default:
	}
}

// UpdateCapabilities atomically replaces a device's capability set after a
// profile change. Partial sets are never visible.
func (r *Reconciler) UpdateCapabilities(serial string, caps *device.Capabilities) {
	d := r.get(serial)
	if d == nil {
		return
	}
	d.mu.Lock()
	d.caps = caps
	d.mu.Unlock()
	log.Debug().Str("serial", serial).Str("profile", caps.Version).Msg("Capabilities updated")
}

// Evict stops tracking a device that disappeared from the directory.
func (r *Reconciler) Evict(serial string) {
	r.mu.Lock()
	d, ok := r.devices[serial]
	if ok {
		delete(r.devices, serial)
	}
	count := len(r.devices)
	r.mu.Unlock()

	if !ok {
		return
	}

	close(d.done)
	metrics.TrackedDevices.Set(float64(count))

	if r.store != nil {
		if err := r.store.DeleteDeviceState(serial); err != nil {
			log.Warn().Err(err).Str("serial", serial).Msg("Failed to delete persisted state")
		}
	}

	log.Info().Str("serial", serial).Msg("Device evicted")
	r.publish(bus.EventTypeDeviceRemoved, d)
}

// Serials returns the tracked device serials.
func (r *Reconciler) Serials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.devices))
	for serial := range r.devices {
		out = append(out, serial)
	}
	return out
}

// Snapshot returns the current view of one device.
func (r *Reconciler) Snapshot(serial string) (Snapshot, bool) {
	d := r.get(serial)
	if d == nil {
		return Snapshot{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(), true
}

// Submit validates and accepts a user command. The displayed state updates
// immediately (optimistic); dispatch and confirmation happen asynchronously.
// A command for a device with an outstanding command supersedes it.
func (r *Reconciler) Submit(serial string, cmd device.Command) error {
	if cmd.Empty() {
		return &ValidationError{Field: "command", Reason: "no fields set"}
	}

	d := r.get(serial)
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}

	d.mu.Lock()

	if err := validate(cmd, d.caps, d.displayed); err != nil {
		d.mu.Unlock()
		return err
	}

	// Snap before the value reaches the display or the wire.
	if cmd.TargetTemp != nil {
		snapped := units.Snap(*cmd.TargetTemp)
		cmd.TargetTemp = &snapped
	}

	next, ok := transition(d.phase, eventSubmit)
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("no submit transition from phase %s", d.phase)
	}

	if d.pending != nil {
		log.Debug().Str("serial", serial).Int64("superseded_seq", d.pending.Seq).
			Msg("Superseding in-flight command")
	}

	d.pending = newPendingCommand(r.seq.Add(1), cmd)
	d.phase = next
	d.stale = false
	d.staleErr = nil
	applyCommand(&d.displayed, cmd)

	log.Info().Str("serial", serial).Int64("seq", d.pending.Seq).
		Str("request_id", d.pending.RequestID).Msg("Command accepted")

	d.mu.Unlock()

	select {
	case d.kick <- struct{}{}:
	default:
	}

	r.publish(bus.EventTypeStateChanged, d)
	return nil
}

func validate(cmd device.Command, caps *device.Capabilities, displayed device.State) error {
	if caps == nil {
		return &ValidationError{Field: "device", Reason: "capabilities not detected yet"}
	}
	if cmd.Mode != nil && !caps.SupportsMode(*cmd.Mode) {
		return &ValidationError{Field: "mode", Reason: fmt.Sprintf("%s not supported", *cmd.Mode)}
	}
	if cmd.FanLabel != nil && !caps.SupportsFan(*cmd.FanLabel) {
		return &ValidationError{Field: "fanSpeed", Reason: fmt.Sprintf("%q not supported", *cmd.FanLabel)}
	}
	if cmd.VaneLabel != nil && !caps.SupportsVane(*cmd.VaneLabel) {
		return &ValidationError{Field: "vanePosition", Reason: fmt.Sprintf("%q not supported", *cmd.VaneLabel)}
	}
	if cmd.TargetTemp != nil {
		mode := displayed.Mode
		if cmd.Mode != nil {
			mode = *cmd.Mode
		}
		min, max := caps.TargetRange(mode)
		target := units.Snap(*cmd.TargetTemp)
		if target < min || target > max {
			return &ValidationError{
				Field:  "targetTemp",
				Reason: fmt.Sprintf("%.1f outside range %.1f-%.1f", target, min, max),
			}
		}
	}
	return nil
}

// dispatchLoop is the single dispatcher for one device.
func (r *Reconciler) dispatchLoop(d *trackedDevice) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-d.done:
			return
		case <-d.kick:
		}
		r.dispatch(d)
	}
}

// dispatch drives one pending command to confirmation, retry exhaustion or
// supersession. The loop restarts when a newer command replaced the one in
// flight.
func (r *Reconciler) dispatch(d *trackedDevice) {
	for {
		d.mu.Lock()
		p := d.pending
		if p == nil {
			d.mu.Unlock()
			return
		}
		seq := p.Seq
		commands := buildVendorCommands(p.Fields, d.displayed)
		requestID := p.RequestID
		d.phase, _ = transition(d.phase, eventDispatch)
		d.mu.Unlock()

		err := r.api.SendCommand(r.ctx, d.serial, commands, requestID)

		d.mu.Lock()

		if d.pending == nil || d.pending.Seq != seq {
			// Superseded while in flight: this result belongs to an
			// abandoned command. Discard it and dispatch the newer one.
			log.Debug().Str("serial", d.serial).Int64("seq", seq).
				Msg("Discarding result of superseded command")
			d.mu.Unlock()
			continue
		}

		if err == nil {
			// Confirmed. The commanded fields become last-known; a later
			// poll with a newer version remains authoritative.
			applyCommand(&d.lastKnown, p.Fields)
			d.displayed = d.lastKnown
			d.pending = nil
			d.stale = false
			d.staleErr = nil
			d.phase, _ = transition(d.phase, eventConfirm)
			d.mu.Unlock()

			metrics.CommandsTotal.WithLabelValues("ok").Inc()
			log.Info().Str("serial", d.serial).Int64("seq", seq).Msg("Command confirmed")
			r.persist(d)
			r.publish(bus.EventTypeStateChanged, d)
			return
		}

		if errors.Is(err, kumo.ErrReauthRequired) {
			d.mu.Unlock()
			r.handleAuthFailure(d, seq, err)
			return
		}

		if kumo.IsTransient(err) && p.Attempts+1 < r.cfg.MaxAttempts {
			p.Attempts++
			backoff := r.backoff(p.Attempts)
			d.phase, _ = transition(d.phase, eventRetry)
			d.mu.Unlock()

			metrics.CommandRetries.Inc()
			log.Warn().Err(err).Str("serial", d.serial).Int("attempt", p.Attempts).
				Dur("backoff", backoff).Msg("Command failed transiently, retrying")

			select {
			case <-r.ctx.Done():
				return
			case <-d.done:
				return
			case <-time.After(backoff):
			}
			continue
		}

		// Retry budget exhausted or hard failure: revert the display to the
		// last-known cloud value and surface the staleness instead of
		// silently discarding the command.
		staleErr := &StaleDataError{Serial: d.serial, Err: err}
		d.pending = nil
		d.displayed = d.lastKnown
		d.stale = true
		d.staleErr = staleErr
		d.phase, _ = transition(d.phase, eventExhaust)
		d.mu.Unlock()

		metrics.CommandsTotal.WithLabelValues("failed").Inc()
		metrics.StaleDevices.Set(float64(r.staleCount()))
		log.Error().Err(staleErr).Int64("seq", seq).
			Msg("Command abandoned, device marked stale")
		r.publish(bus.EventTypeStateChanged, d)
		return
	}
}

func (r *Reconciler) handleAuthFailure(d *trackedDevice, seq int64, err error) {
	d.mu.Lock()
	if d.pending != nil && d.pending.Seq == seq {
		d.pending = nil
		d.displayed = d.lastKnown
		d.stale = true
		d.staleErr = &StaleDataError{Serial: d.serial, Err: err}
		d.phase, _ = transition(d.phase, eventExhaust)
	}
	d.mu.Unlock()

	metrics.CommandsTotal.WithLabelValues("auth_failed").Inc()
	log.Error().Err(err).Str("serial", d.serial).Msg("Command failed: account re-authentication required")
	r.publish(bus.EventTypeStateChanged, d)
	if r.bus != nil {
		r.bus.Publish(bus.Event{Type: bus.EventTypeReauth})
	}
}

// pollDevice fetches and applies one device's cloud state.
func (r *Reconciler) pollDevice(ctx context.Context, d *trackedDevice) {
	details, err := r.api.Device(ctx, d.serial)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, kumo.ErrReauthRequired) {
			log.Error().Err(err).Str("serial", d.serial).Msg("Poll failed: account re-authentication required")
			if r.bus != nil {
				r.bus.Publish(bus.Event{Type: bus.EventTypeReauth})
			}
		} else {
			log.Warn().Err(err).Str("serial", d.serial).Msg("Poll failed")
		}

		d.mu.Lock()
		changed := false
		if d.pending == nil {
			if next, ok := transition(d.phase, eventPollFail); ok {
				changed = !d.stale
				d.stale = true
				d.staleErr = &StaleDataError{Serial: d.serial, Err: err}
				d.phase = next
			}
		}
		d.mu.Unlock()

		if changed {
			metrics.StaleDevices.Set(float64(r.staleCount()))
			r.publish(bus.EventTypeStateChanged, d)
		}
		return
	}

	metrics.PollsTotal.WithLabelValues("ok").Inc()
	if r.applyPoll(d, stateFromDetails(details)) {
		metrics.StaleDevices.Set(float64(r.staleCount()))
		r.persist(d)
		r.publish(bus.EventTypeStateChanged, d)
	}
}

// applyPoll merges a polled state into the device, honoring the version
// guard and masking fields shadowed by an in-flight command. Returns true
// when anything user-visible changed.
func (r *Reconciler) applyPoll(d *trackedDevice, polled device.State) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastKnown.Version != 0 && polled.Version <= d.lastKnown.Version {
		log.Debug().Str("serial", d.serial).Int64("held", d.lastKnown.Version).
			Int64("got", polled.Version).Msg("Discarding out-of-order poll")
		return false
	}

	merged := polled
	if p := d.pending; p != nil {
		// A poll racing an unresolved command must not flicker the
		// commanded fields back to their pre-command values.
		if p.masksMode() {
			merged.Mode = d.lastKnown.Mode
		}
		if p.masksTarget() {
			merged.SpHeat = d.lastKnown.SpHeat
			merged.SpCool = d.lastKnown.SpCool
		}
		if p.masksFan() {
			merged.FanLabel = d.lastKnown.FanLabel
		}
		if p.masksVane() {
			merged.VaneLabel = d.lastKnown.VaneLabel
		}

		d.lastKnown = merged
		display := merged
		applyCommand(&display, p.Fields)
		d.displayed = display
		return true
	}

	d.lastKnown = merged
	d.displayed = merged
	d.stale = false
	d.staleErr = nil
	if next, ok := transition(d.phase, eventPoll); ok {
		d.phase = next
	}
	return true
}

func (r *Reconciler) backoff(attempt int) time.Duration {
	backoff := r.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= r.cfg.BackoffMax {
			return r.cfg.BackoffMax
		}
	}
	if backoff > r.cfg.BackoffMax {
		backoff = r.cfg.BackoffMax
	}
	return backoff
}

func (r *Reconciler) get(serial string) *trackedDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[serial]
}

func (r *Reconciler) list() []*trackedDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*trackedDevice, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

func (r *Reconciler) staleCount() int {
	count := 0
	for _, d := range r.list() {
		d.mu.Lock()
		if d.stale {
			count++
		}
		d.mu.Unlock()
	}
	return count
}

func (r *Reconciler) persist(d *trackedDevice) {
	if r.store == nil {
		return
	}
	d.mu.Lock()
	serial, siteID, state := d.serial, d.siteID, d.lastKnown
	d.mu.Unlock()
	if err := r.store.SaveDeviceState(serial, siteID, state); err != nil {
		log.Warn().Err(err).Str("serial", serial).Msg("Failed to persist device state")
	}
}

func (r *Reconciler) publish(eventType bus.EventType, d *trackedDevice) {
	if r.bus == nil {
		return
	}
	d.mu.Lock()
	snap := d.snapshotLocked()
	d.mu.Unlock()
	r.bus.Publish(bus.Event{Type: eventType, Serial: snap.Serial, Data: snap})
}

func (d *trackedDevice) snapshotLocked() Snapshot {
	return Snapshot{
		Serial:   d.serial,
		SiteID:   d.siteID,
		Name:     d.name,
		Phase:    d.phase,
		Stale:    d.stale,
		StaleErr: d.staleErr,
		State:    d.displayed,
		Caps:     d.caps,
	}
}
