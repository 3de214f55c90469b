// Package directory enumerates the account's sites and the zone thermostats
// within each, and keeps the reconciler's tracked set in step as topology
// changes out-of-band: devices appearing mid-session are onboarded, devices
// disappearing are evicted.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"kumobridge/internal/device"
	"kumobridge/internal/kumo"
	"kumobridge/internal/metrics"
	"kumobridge/internal/units"
)

// CloudAPI is the slice of the cloud client the directory needs.
type CloudAPI interface {
	Sites(ctx context.Context) ([]kumo.Site, error)
	Zones(ctx context.Context, siteID string) ([]kumo.Zone, error)
	DeviceProfile(ctx context.Context, serial string) (*kumo.DeviceProfile, error)
}

// Tracker is the reconciler surface the directory drives.
type Tracker interface {
	Track(serial, siteID, name string, caps *device.Capabilities, initial *device.State)
	UpdateCapabilities(serial string, caps *device.Capabilities)
	Evict(serial string)
}

type knownDevice struct {
	siteID         string
	profileVersion string
}

// Directory refreshes the site/zone topology on an interval.
type Directory struct {
	api     CloudAPI
	tracker Tracker

	interval time.Duration
	known    map[string]knownDevice
}

// New creates a Directory.
func New(api CloudAPI, tracker Tracker, interval time.Duration) *Directory {
	if interval == 0 {
		interval = 15 * time.Minute
	}
	return &Directory{
		api:      api,
		tracker:  tracker,
		interval: interval,
		known:    make(map[string]knownDevice),
	}
}

// Start runs the periodic refresh loop in the background. Refresh state is
// only touched from this loop; the reconciler handles cross-goroutine
// coordination through its own tracking methods.
func (d *Directory) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Directory) run(ctx context.Context) {
	log.Info().Dur("interval", d.interval).Msg("Directory refresh loop started")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Directory refresh loop stopping")
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("Directory refresh failed")
			}
		}
	}
}

// Refresh fetches the full site list and reconciles the tracked device set
// against it. Every refresh re-enumerates all sites; a single-site view is
// never cached across refreshes.
func (d *Directory) Refresh(ctx context.Context) error {
	sites, err := d.api.Sites(ctx)
	if err != nil {
		metrics.DirectoryRefreshes.WithLabelValues("failed").Inc()
		return fmt.Errorf("list sites: %w", err)
	}

	seen := make(map[string]bool)

	for _, site := range sites {
		zones, err := d.api.Zones(ctx, site.ID)
		if err != nil {
			metrics.DirectoryRefreshes.WithLabelValues("failed").Inc()
			return fmt.Errorf("list zones for site %s: %w", site.ID, err)
		}

		for _, zone := range zones {
			if zone.Adapter == nil || zone.Adapter.DeviceSerial == "" {
				continue
			}
			serial := zone.Adapter.DeviceSerial
			seen[serial] = true

			if err := d.syncDevice(ctx, site.ID, zone, serial); err != nil {
				log.Warn().Err(err).Str("serial", serial).Msg("Failed to sync device")
			}
		}
	}

	// Devices missing from this refresh are gone; evict without error.
	for serial, k := range d.known {
		if !seen[serial] {
			log.Info().Str("serial", serial).Str("site", k.siteID).Msg("Device disappeared from directory")
			d.tracker.Evict(serial)
			delete(d.known, serial)
		}
	}

	metrics.DirectoryRefreshes.WithLabelValues("ok").Inc()
	log.Debug().Int("sites", len(sites)).Int("devices", len(seen)).Msg("Directory refreshed")
	return nil
}

func (d *Directory) syncDevice(ctx context.Context, siteID string, zone kumo.Zone, serial string) error {
	profile, err := d.api.DeviceProfile(ctx, serial)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}

	k, tracked := d.known[serial]

	// An adapter re-registered under another site keeps its serial; the
	// tracked record's site reference would go stale.
	if tracked && k.siteID != siteID {
		log.Info().Str("serial", serial).Str("from", k.siteID).Str("to", siteID).
			Msg("Device moved between sites, re-tracking")
		d.tracker.Evict(serial)
		delete(d.known, serial)
		tracked = false
	}

	if !tracked {
		caps := device.Detect(descriptorFromProfile(profile))
		initial := adapterState(zone.Adapter)
		d.tracker.Track(serial, siteID, zone.Name, caps, initial)
		d.known[serial] = knownDevice{siteID: siteID, profileVersion: profile.ProfileVersion}
		return nil
	}

	if k.profileVersion != profile.ProfileVersion {
		log.Info().Str("serial", serial).Str("from", k.profileVersion).
			Str("to", profile.ProfileVersion).Msg("Device profile changed, re-detecting capabilities")
		d.tracker.UpdateCapabilities(serial, device.Detect(descriptorFromProfile(profile)))
		d.known[serial] = knownDevice{siteID: k.siteID, profileVersion: profile.ProfileVersion}
	}

	return nil
}

func descriptorFromProfile(p *kumo.DeviceProfile) device.Descriptor {
	return device.Descriptor{
		Version:           p.ProfileVersion,
		HasModeHeat:       p.HasModeHeat,
		HasModeDry:        p.HasModeDry,
		HasModeVent:       p.HasModeVent,
		ReportedModes:     p.ExtraModes,
		NumberOfFanSpeeds: p.NumberOfFanSpeeds,
		HasVaneDir:        p.HasVaneDir,
		HasVaneSwing:      p.HasVaneSwing,
		MinHeatSetpoint:   p.MinimumSetPoints.Heat,
		MaxHeatSetpoint:   p.MaximumSetPoints.Heat,
		MinCoolSetpoint:   p.MinimumSetPoints.Cool,
		MaxCoolSetpoint:   p.MaximumSetPoints.Cool,
	}
}

// adapterState maps the zone adapter's embedded state into the domain
// model, giving a freshly onboarded device a usable view before its first
// dedicated poll lands.
func adapterState(a *kumo.Adapter) *device.State {
	if a == nil {
		return nil
	}

	s := device.State{Version: a.UpdatedAt}

	if a.Power == 0 {
		s.Mode = device.ModeOff
	} else if mode, ok := device.ParseMode(a.OperationMode); ok {
		s.Mode = mode
	}

	if a.SpHeat != nil {
		s.SpHeat = units.Snap(*a.SpHeat)
	}
	if a.SpCool != nil {
		s.SpCool = units.Snap(*a.SpCool)
	}
	if a.RoomTemp != nil {
		s.CurrentTemp = *a.RoomTemp
	}
	if a.Humidity != nil {
		s.Humidity = *a.Humidity
	}
	if label, ok := device.FanLabel(a.FanSpeed); ok {
		s.FanLabel = label
	}
	if label, ok := device.VaneLabel(a.AirDirection); ok {
		s.VaneLabel = label
	}

	return &s
}
