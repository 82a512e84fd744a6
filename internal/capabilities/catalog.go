// Package capabilities is the device-type capability catalog (spec
// §9.1): a YAML file of well-known device-type -> capability-schema
// templates, so a device can register by device_type alone instead of
// announcing its full schema on the wire.
package capabilities

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/alicia-project/alicia-core/internal/devices"
)

type fileCapability struct {
	Name       string            `mapstructure:"name"`
	Parameters []fileParamSchema `mapstructure:"parameters"`
}

type fileParamSchema struct {
	Name     string   `mapstructure:"name"`
	Type     string   `mapstructure:"type"`
	Required bool     `mapstructure:"required"`
	Min      *float64 `mapstructure:"min"`
	Max      *float64 `mapstructure:"max"`
	Enum     []string `mapstructure:"enum"`
}

type fileDeviceType struct {
	Capabilities []fileCapability `mapstructure:"capabilities"`
}

type fileDoc struct {
	DeviceTypes map[string]fileDeviceType `mapstructure:"device_types"`
}

// Catalog maps a device_type to its default capability set.
type Catalog struct {
	types map[string]map[string]devices.Capability
}

// Empty returns a Catalog with no templates, for services run without
// CAPABILITIES_FILE set.
func Empty() *Catalog {
	return &Catalog{types: map[string]map[string]devices.Capability{}}
}

// Load reads a capability catalog from path (YAML, per
// configs/capabilities.yaml's layout).
func Load(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading capability catalog %s: %w", path, err)
	}

	var doc fileDoc
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("parsing capability catalog %s: %w", path, err)
	}

	c := Empty()
	for deviceType, entry := range doc.DeviceTypes {
		caps := make(map[string]devices.Capability, len(entry.Capabilities))
		for _, fc := range entry.Capabilities {
			caps[fc.Name] = toCapability(fc)
		}
		c.types[deviceType] = caps
	}
	return c, nil
}

func toCapability(fc fileCapability) devices.Capability {
	params := make([]devices.ParamSchema, 0, len(fc.Parameters))
	for _, fp := range fc.Parameters {
		params = append(params, devices.ParamSchema{
			Name:     fp.Name,
			Type:     devices.ParamType(fp.Type),
			Required: fp.Required,
			Min:      fp.Min,
			Max:      fp.Max,
			Enum:     fp.Enum,
		})
	}
	return devices.Capability{Name: fc.Name, Parameters: params}
}

// CapabilitiesFor returns the catalog's template for deviceType, or
// (nil, false) if deviceType is unrecognized.
func (c *Catalog) CapabilitiesFor(deviceType string) (map[string]devices.Capability, bool) {
	caps, ok := c.types[deviceType]
	return caps, ok
}

// Merge overlays declared (capabilities a device announced on the
// wire) onto the catalog template for deviceType: declared entries win
// by name, template entries not named in declared are added (spec
// §9.1: "merged over, not replaced by"). If deviceType is
// unrecognized, declared is returned unchanged.
func (c *Catalog) Merge(deviceType string, declared map[string]devices.Capability) map[string]devices.Capability {
	template, ok := c.CapabilitiesFor(deviceType)
	if !ok {
		return declared
	}

	merged := make(map[string]devices.Capability, len(template)+len(declared))
	for name, capability := range template {
		merged[name] = capability
	}
	for name, capability := range declared {
		merged[name] = capability
	}
	return merged
}
