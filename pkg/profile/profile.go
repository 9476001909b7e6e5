// Package profile defines machine kinematic profiles and material presets
// and their persistence as YAML documents.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"laserhost/pkg/errors"
)

// Machine describes the physical machine: kinematic limits, work area and
// the controller's receive buffer size. Shared read-only by the optimizer,
// estimator and protocol engine.
type Machine struct {
	// Name identifies the profile in the library.
	Name string `yaml:"name"`

	// MaxFeed is the maximum travel feed rate in mm/min, used for rapid
	// (laser-off) moves.
	MaxFeed float64 `yaml:"max_feed"`

	// MaxAccel is the axis acceleration limit in mm/s².
	MaxAccel float64 `yaml:"max_accel"`

	// WorkAreaWidth and WorkAreaHeight bound valid coordinates, in mm.
	// The origin is the machine zero in the lower-left corner.
	WorkAreaWidth  float64 `yaml:"work_area_width"`
	WorkAreaHeight float64 `yaml:"work_area_height"`

	// RxBufferSize is the controller's serial receive buffer in bytes.
	// The streamer never lets unacknowledged bytes exceed this.
	RxBufferSize int `yaml:"rx_buffer_size"`

	// SpindleMax is the S value corresponding to 100% laser power
	// (GRBL $30). Defaults to 1000.
	SpindleMax float64 `yaml:"spindle_max"`

	// DwellMS is the laser-on settle time applied at each path entry,
	// in milliseconds.
	DwellMS int `yaml:"dwell_ms"`
}

// Default returns a conservative GRBL-class profile.
func Default() *Machine {
	return &Machine{
		Name:           "default",
		MaxFeed:        3000,
		MaxAccel:       500,
		WorkAreaWidth:  300,
		WorkAreaHeight: 200,
		RxBufferSize:   128,
		SpindleMax:     1000,
	}
}

// Validate checks the profile invariants.
func (m *Machine) Validate() error {
	if m == nil {
		return errors.Profile("no machine profile bound")
	}
	if m.MaxFeed <= 0 {
		return errors.Profile("profile %q: max_feed must be positive, got %g", m.Name, m.MaxFeed)
	}
	if m.MaxAccel <= 0 {
		return errors.Profile("profile %q: max_accel must be positive, got %g", m.Name, m.MaxAccel)
	}
	if m.WorkAreaWidth <= 0 || m.WorkAreaHeight <= 0 {
		return errors.Profile("profile %q: work area must be positive, got %gx%g",
			m.Name, m.WorkAreaWidth, m.WorkAreaHeight)
	}
	if m.RxBufferSize <= 0 {
		return errors.Profile("profile %q: rx_buffer_size must be positive, got %d", m.Name, m.RxBufferSize)
	}
	return nil
}

// Dwell returns the per-path settle time.
func (m *Machine) Dwell() time.Duration {
	return time.Duration(m.DwellMS) * time.Millisecond
}

// Material is a preset resolving power/speed/passes for one material and
// operation. Import collaborators apply these when building paths.
type Material struct {
	Name   string  `yaml:"name"`
	Power  float64 `yaml:"power"`  // percent
	Speed  float64 `yaml:"speed"`  // mm/min
	Passes int     `yaml:"passes"`
}

// Validate checks the preset invariants.
func (p *Material) Validate() error {
	if p.Power <= 0 || p.Power > 100 {
		return errors.Profile("preset %q: power %g%% outside (0, 100]", p.Name, p.Power)
	}
	if p.Speed <= 0 {
		return errors.Profile("preset %q: speed must be positive, got %g", p.Name, p.Speed)
	}
	if p.Passes < 1 {
		return errors.Profile("preset %q: passes must be at least 1, got %d", p.Name, p.Passes)
	}
	return nil
}

// LoadMachine reads one machine profile document.
func LoadMachine(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrProfile, fmt.Sprintf("read machine profile %s", path))
	}
	m := Default()
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, errors.ErrProfile, fmt.Sprintf("parse machine profile %s", path))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveMachine writes a machine profile document.
func SaveMachine(path string, m *Machine) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return errors.Wrap(err, errors.ErrProfile, "encode machine profile")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, errors.ErrProfile, fmt.Sprintf("write machine profile %s", path))
	}
	return nil
}

// Library is a directory of machine profiles (*.machine.yaml) and material
// presets (*.material.yaml).
type Library struct {
	dir       string
	machines  map[string]*Machine
	materials map[string]*Material
}

const (
	machineSuffix  = ".machine.yaml"
	materialSuffix = ".material.yaml"
)

// OpenLibrary loads every profile document under dir. Unparseable files
// are skipped; the directory is created if missing.
func OpenLibrary(dir string) (*Library, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, errors.ErrProfile, fmt.Sprintf("create profile library %s", dir))
	}

	lib := &Library{
		dir:       dir,
		machines:  make(map[string]*Machine),
		materials: make(map[string]*Material),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrProfile, fmt.Sprintf("read profile library %s", dir))
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		full := filepath.Join(dir, name)
		switch {
		case strings.HasSuffix(name, machineSuffix):
			m, err := LoadMachine(full)
			if err != nil {
				continue
			}
			lib.machines[m.Name] = m
		case strings.HasSuffix(name, materialSuffix):
			data, err := os.ReadFile(full)
			if err != nil {
				continue
			}
			var p Material
			if err := yaml.Unmarshal(data, &p); err != nil || p.Validate() != nil {
				continue
			}
			lib.materials[p.Name] = &p
		}
	}
	return lib, nil
}

// Machine returns a machine profile by name.
func (l *Library) Machine(name string) (*Machine, error) {
	m, ok := l.machines[name]
	if !ok {
		return nil, errors.Profile("machine profile %q not found in %s", name, l.dir)
	}
	return m, nil
}

// Material returns a material preset by name.
func (l *Library) Material(name string) (*Material, error) {
	p, ok := l.materials[name]
	if !ok {
		return nil, errors.Profile("material preset %q not found in %s", name, l.dir)
	}
	return p, nil
}

// MachineNames lists the loaded machine profiles, sorted.
func (l *Library) MachineNames() []string {
	names := make([]string, 0, len(l.machines))
	for n := range l.machines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MaterialNames lists the loaded material presets, sorted.
func (l *Library) MaterialNames() []string {
	names := make([]string, 0, len(l.materials))
	for n := range l.materials {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SaveMachineProfile stores a machine profile into the library directory.
func (l *Library) SaveMachineProfile(m *Machine) error {
	if err := SaveMachine(filepath.Join(l.dir, m.Name+machineSuffix), m); err != nil {
		return err
	}
	l.machines[m.Name] = m
	return nil
}

// SaveMaterialPreset stores a material preset into the library directory.
func (l *Library) SaveMaterialPreset(p *Material) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return errors.Wrap(err, errors.ErrProfile, "encode material preset")
	}
	path := filepath.Join(l.dir, p.Name+materialSuffix)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, errors.ErrProfile, fmt.Sprintf("write material preset %s", path))
	}
	l.materials[p.Name] = p
	return nil
}
