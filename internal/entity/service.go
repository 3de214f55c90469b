// Package entity exposes tracked devices as Home Assistant MQTT climate
// entities: retained discovery configs, a JSON state topic per device, and
// command topics feeding the reconciler. Temperatures cross into the
// configured display unit only here; everything behind this package is
// canonical Celsius.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"kumobridge/internal/bus"
	"kumobridge/internal/device"
	"kumobridge/internal/reconcile"
	"kumobridge/internal/units"
)

const (
	defaultTopicPrefix     = "kumobridge"
	defaultDiscoveryPrefix = "homeassistant"

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Controller is the reconciler surface the entity service drives.
type Controller interface {
	Serials() []string
	Snapshot(serial string) (reconcile.Snapshot, bool)
	Submit(serial string, cmd device.Command) error
}

// Config holds entity service settings.
type Config struct {
	Broker          BrokerConfig
	TopicPrefix     string
	DiscoveryPrefix string
	DisplayUnit     units.Unit
}

// Service publishes climate entities and routes inbound commands.
type Service struct {
	broker *broker
	ctrl   Controller

	prefix          string
	discoveryPrefix string
	display         units.Unit

	mu        sync.Mutex
	published map[string]bool // serials with discovery config out
	offline   bool            // account-wide reauth outage
}

// New connects to the broker and wires the service to bus events. Entities
// for already tracked devices are announced immediately.
func New(cfg Config, ctrl Controller, b *bus.Bus) (*Service, error) {
	s := &Service{
		ctrl:            ctrl,
		prefix:          cfg.TopicPrefix,
		discoveryPrefix: cfg.DiscoveryPrefix,
		display:         cfg.DisplayUnit,
		published:       make(map[string]bool),
	}
	if s.prefix == "" {
		s.prefix = defaultTopicPrefix
	}
	if s.discoveryPrefix == "" {
		s.discoveryPrefix = defaultDiscoveryPrefix
	}
	if !s.display.Valid() {
		s.display = units.Celsius
	}

	// The broker field must be set before connecting: the connect callback
	// runs announceAll, which publishes through it.
	s.broker = newBroker(cfg.Broker, s.announceAll)
	if err := s.broker.connect(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", err)
	}

	b.Subscribe(bus.EventTypeDeviceAdded, s.onDeviceAdded)
	b.Subscribe(bus.EventTypeDeviceRemoved, s.onDeviceRemoved)
	b.Subscribe(bus.EventTypeStateChanged, s.onStateChanged)
	b.Subscribe(bus.EventTypeReauth, s.onReauthRequired)

	s.announceAll()
	return s, nil
}

// Close marks every entity offline and disconnects from the broker.
func (s *Service) Close() {
	s.mu.Lock()
	serials := make([]string, 0, len(s.published))
	for serial := range s.published {
		serials = append(serials, serial)
	}
	s.mu.Unlock()

	for _, serial := range serials {
		_ = s.broker.publish(s.availabilityTopic(serial), []byte(payloadOffline), true)
	}
	s.broker.close()
}

// announceAll (re)publishes discovery, availability and state for every
// tracked device. Runs at startup and after each broker reconnect, since a
// restarted broker may have lost the retained documents.
func (s *Service) announceAll() {
	for _, serial := range s.ctrl.Serials() {
		snap, ok := s.ctrl.Snapshot(serial)
		if !ok {
			continue
		}
		s.announce(snap)
	}
}

func (s *Service) announce(snap reconcile.Snapshot) {
	serial := snap.Serial

	if snap.Caps != nil {
		if err := s.publishDiscovery(snap); err != nil {
			log.Error().Err(err).Str("serial", serial).Msg("Failed to publish discovery config")
			return
		}
	}

	s.mu.Lock()
	first := !s.published[serial]
	s.published[serial] = true
	offline := s.offline
	s.mu.Unlock()

	if first {
		if err := s.subscribeCommands(serial); err != nil {
			log.Error().Err(err).Str("serial", serial).Msg("Failed to subscribe command topics")
		}
	}

	avail := payloadOnline
	if offline {
		avail = payloadOffline
	}
	_ = s.broker.publish(s.availabilityTopic(serial), []byte(avail), true)
	s.publishState(snap)
}

func (s *Service) onDeviceAdded(ev bus.Event) {
	snap, ok := ev.Data.(reconcile.Snapshot)
	if !ok {
		return
	}
	log.Info().Str("serial", snap.Serial).Str("name", snap.Name).Msg("Announcing climate entity")
	s.announce(snap)
}

func (s *Service) onDeviceRemoved(ev bus.Event) {
	serial := ev.Serial

	s.mu.Lock()
	delete(s.published, serial)
	s.mu.Unlock()

	s.broker.unsubscribe(
		s.commandTopic(serial, "mode"),
		s.commandTopic(serial, "target"),
		s.commandTopic(serial, "fan"),
		s.commandTopic(serial, "vane"),
	)

	// An empty retained config removes the entity from Home Assistant.
	_ = s.broker.publish(s.discoveryTopic(serial), nil, true)
	_ = s.broker.publish(s.availabilityTopic(serial), []byte(payloadOffline), true)
	log.Info().Str("serial", serial).Msg("Removed climate entity")
}

func (s *Service) onStateChanged(ev bus.Event) {
	snap, ok := ev.Data.(reconcile.Snapshot)
	if !ok {
		return
	}

	s.mu.Lock()
	known := s.published[snap.Serial]
	wasOffline := s.offline
	// A fresh state means the account is talking to the cloud again.
	if wasOffline && !snap.Stale {
		s.offline = false
	}
	nowOffline := s.offline
	s.mu.Unlock()

	if !known {
		s.announce(snap)
		return
	}
	if wasOffline && !nowOffline {
		s.setAllAvailability(payloadOnline)
	}
	s.publishState(snap)
}

func (s *Service) onReauthRequired(bus.Event) {
	s.mu.Lock()
	already := s.offline
	s.offline = true
	s.mu.Unlock()

	if already {
		return
	}
	log.Warn().Msg("Re-authentication required, marking entities unavailable")
	s.setAllAvailability(payloadOffline)
}

func (s *Service) setAllAvailability(payload string) {
	s.mu.Lock()
	serials := make([]string, 0, len(s.published))
	for serial := range s.published {
		serials = append(serials, serial)
	}
	s.mu.Unlock()

	for _, serial := range serials {
		_ = s.broker.publish(s.availabilityTopic(serial), []byte(payload), true)
	}
}

func (s *Service) publishState(snap reconcile.Snapshot) {
	payload, err := json.Marshal(buildStatePayload(snap, s.display))
	if err != nil {
		log.Error().Err(err).Str("serial", snap.Serial).Msg("Failed to marshal state payload")
		return
	}
	if err := s.broker.publish(s.stateTopic(snap.Serial), payload, true); err != nil {
		log.Error().Err(err).Str("serial", snap.Serial).Msg("Failed to publish state")
	}
}

func (s *Service) publishDiscovery(snap reconcile.Snapshot) error {
	serial := snap.Serial
	caps := snap.Caps
	stateTopic := s.stateTopic(serial)

	cfg := discoveryPayload{
		Name:     snap.Name,
		UniqueID: "kumobridge_" + serial,

		Modes:      haModes(caps),
		FanModes:   caps.FanLabels(),
		SwingModes: caps.VaneLabels(),

		MinTemp:  roundDisplay(units.ToDisplay(caps.MinHeatSetpoint, s.display)),
		MaxTemp:  roundDisplay(units.ToDisplay(caps.MaxCoolSetpoint, s.display)),
		TempStep: displayStep(s.display),
		TempUnit: displayUnitName(s.display),

		ModeStateTopic:      stateTopic,
		ModeStateTemplate:   "{{ value_json.mode }}",
		TempStateTopic:      stateTopic,
		TempStateTemplate:   "{{ value_json.target_temp }}",
		CurrentTempTopic:    stateTopic,
		CurrentTempTemplate: "{{ value_json.current_temp }}",
		ActionTopic:         stateTopic,
		ActionTemplate:      "{{ value_json.action }}",

		ModeCommandTopic: s.commandTopic(serial, "mode"),
		TempCommandTopic: s.commandTopic(serial, "target"),

		AvailabilityTopic: s.availabilityTopic(serial),

		Device: discoveryDevice{
			Identifiers:  []string{serial},
			Name:         snap.Name,
			Manufacturer: "Mitsubishi Electric",
			Model:        "Kumo Cloud zone",
		},
	}

	cfg.HumidityTopic = stateTopic
	cfg.HumidityTemplate = "{{ value_json.humidity }}"

	if len(cfg.FanModes) > 0 {
		cfg.FanModeStateTopic = stateTopic
		cfg.FanModeStateTemplate = "{{ value_json.fan_mode }}"
		cfg.FanModeCommandTopic = s.commandTopic(serial, "fan")
	}
	if len(cfg.SwingModes) > 0 {
		cfg.SwingStateTopic = stateTopic
		cfg.SwingStateTemplate = "{{ value_json.swing_mode }}"
		cfg.SwingCommandTopic = s.commandTopic(serial, "vane")
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.broker.publish(s.discoveryTopic(serial), payload, true)
}

func (s *Service) subscribeCommands(serial string) error {
	handlers := map[string]func(string){
		"mode":   func(v string) { s.handleModeCommand(serial, v) },
		"target": func(v string) { s.handleTargetCommand(serial, v) },
		"fan":    func(v string) { s.handleFanCommand(serial, v) },
		"vane":   func(v string) { s.handleVaneCommand(serial, v) },
	}
	for kind, handler := range handlers {
		h := handler
		if err := s.broker.subscribe(s.commandTopic(serial, kind), func(payload []byte) {
			h(strings.TrimSpace(string(payload)))
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleModeCommand(serial, payload string) {
	var caps *device.Capabilities
	if snap, ok := s.ctrl.Snapshot(serial); ok {
		caps = snap.Caps
	}
	mode, ok := modeForHA(payload, caps)
	if !ok {
		log.Warn().Str("serial", serial).Str("payload", payload).Msg("Unrecognized hvac mode command")
		return
	}
	s.submit(serial, device.Command{Mode: &mode})
}

func (s *Service) handleTargetCommand(serial, payload string) {
	value, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		log.Warn().Str("serial", serial).Str("payload", payload).Msg("Unparseable target temperature")
		return
	}
	target := units.ToCanonical(value, s.display)
	s.submit(serial, device.Command{TargetTemp: &target})
}

func (s *Service) handleFanCommand(serial, payload string) {
	s.submit(serial, device.Command{FanLabel: &payload})
}

func (s *Service) handleVaneCommand(serial, payload string) {
	s.submit(serial, device.Command{VaneLabel: &payload})
}

func (s *Service) submit(serial string, cmd device.Command) {
	err := s.ctrl.Submit(serial, cmd)
	if err == nil {
		return
	}
	var verr *reconcile.ValidationError
	if errors.As(err, &verr) {
		log.Warn().Str("serial", serial).Str("field", verr.Field).
			Str("reason", verr.Reason).Msg("Rejected command")
		return
	}
	log.Error().Err(err).Str("serial", serial).Msg("Failed to submit command")
}

func (s *Service) stateTopic(serial string) string {
	return s.prefix + "/" + serial + "/state"
}

func (s *Service) availabilityTopic(serial string) string {
	return s.prefix + "/" + serial + "/availability"
}

func (s *Service) commandTopic(serial, kind string) string {
	return s.prefix + "/" + serial + "/" + kind + "/set"
}

func (s *Service) discoveryTopic(serial string) string {
	return s.discoveryPrefix + "/climate/kumobridge_" + serial + "/config"
}
