package entrypoint

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the sidecar file that declares a plug-in entry point's
// signature. JSON manifests parse as YAML
type Manifest struct {
	EntryPoint string          `yaml:"entryPoint"`
	Params     []ManifestParam `yaml:"params"`
	Return     *ManifestReturn `yaml:"return"`
}

// ManifestParam declares one parameter
type ManifestParam struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Handle bool   `yaml:"handle"`
	Slot   string `yaml:"slot"`
}

// ManifestReturn declares the result
type ManifestReturn struct {
	Type   string          `yaml:"type"`
	Fields []ManifestField `yaml:"fields"`
}

// ManifestField declares one record field of the result
type ManifestField struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// ParseManifest decodes and checks a manifest document
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadManifest reads and parses the manifest at path
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Plug-in search path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Params))
	for i, p := range m.Params {
		name := p.Name
		if name == "" && p.Slot != "" {
			name = p.Slot
		}
		if name == "" {
			return fmt.Errorf("invalid manifest: parameter %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("invalid manifest: duplicate parameter %q", name)
		}
		seen[name] = true

		if p.Slot != "" {
			if p.Handle {
				return fmt.Errorf("invalid manifest: parameter %q cannot be both a slot and a handle", name)
			}
			if !IsKnownSlot(Slot(p.Slot)) {
				return fmt.Errorf("invalid manifest: unknown slot %q", p.Slot)
			}
			continue
		}
		if p.Type == "" {
			return fmt.Errorf("invalid manifest: parameter %q has no type", name)
		}
	}
	if m.Return != nil {
		for _, f := range m.Return.Fields {
			if f.Name == "" || f.Type == "" {
				return fmt.Errorf("invalid manifest: return fields need a name and a type")
			}
		}
	}
	return nil
}

// Signature converts the manifest into an entry point signature
func (m *Manifest) Signature() Signature {
	sig := Signature{Params: make([]Param, 0, len(m.Params))}
	for _, p := range m.Params {
		switch {
		case p.Slot != "":
			param := SlotParam(Slot(p.Slot))
			if p.Name != "" {
				param.Name = p.Name
			}
			sig.Params = append(sig.Params, param)
		case p.Handle:
			sig.Params = append(sig.Params, Handle(p.Name, p.Type))
		default:
			sig.Params = append(sig.Params, Input(p.Name, p.Type))
		}
	}
	if m.Return != nil {
		ret := &Return{Type: m.Return.Type}
		for _, f := range m.Return.Fields {
			ret.Fields = append(ret.Fields, Field{Name: f.Name, Type: f.Type})
		}
		sig.Return = ret
	}
	return sig
}
