// Package device collects the running device's fingerprint and tracks the
// trusted snapshot in the vault.
package device

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/ppiankov/payvault/internal/model"
)

// Collector produces the fingerprint of the running device.
type Collector interface {
	Collect(ctx context.Context) (model.DeviceFingerprint, error)
}

// HostCollector reads host identity from the operating system. Fields set
// in Override replace the collected values.
type HostCollector struct {
	Override model.DeviceFingerprint
}

// Collect queries the host.
func (c HostCollector) Collect(ctx context.Context) (model.DeviceFingerprint, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return model.DeviceFingerprint{}, fmt.Errorf("device: host info: %w", err)
	}
	fp := model.DeviceFingerprint{
		InstallationID: info.HostID,
		Name:           info.Hostname,
		Platform:       info.OS + "/" + info.KernelArch,
		Brand:          info.Platform,
	}
	if info.PlatformVersion != "" {
		fp.Brand += " " + info.PlatformVersion
	}
	return merge(fp, c.Override), nil
}

// Static returns a fixed fingerprint. Used when a client app supplies its
// identity and in tests.
type Static model.DeviceFingerprint

// Collect returns the fixed fingerprint.
func (s Static) Collect(context.Context) (model.DeviceFingerprint, error) {
	return model.DeviceFingerprint(s), nil
}

func merge(base, override model.DeviceFingerprint) model.DeviceFingerprint {
	if override.InstallationID != "" {
		base.InstallationID = override.InstallationID
	}
	if override.Name != "" {
		base.Name = override.Name
	}
	if override.Platform != "" {
		base.Platform = override.Platform
	}
	if override.Brand != "" {
		base.Brand = override.Brand
	}
	return base
}
