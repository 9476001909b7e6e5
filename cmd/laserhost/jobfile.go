// Job document loading. The YAML schema below is the import boundary:
// paths arrive with power/speed/passes already resolved, as polylines and
// arcs in work coordinates.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"laserhost/pkg/errors"
	"laserhost/pkg/geom"
	"laserhost/pkg/job"
)

// jobDoc is the on-disk job document.
type jobDoc struct {
	Material string     `yaml:"material"`
	Layers   []layerDoc `yaml:"layers"`
}

type layerDoc struct {
	Name       string     `yaml:"name"`
	Visible    *bool      `yaml:"visible"`
	PowerScale float64    `yaml:"power_scale"`
	SpeedScale float64    `yaml:"speed_scale"`
	Children   []layerDoc `yaml:"children"`
	Paths      []pathDoc  `yaml:"paths"`
}

type pathDoc struct {
	Power  float64      `yaml:"power"`
	Speed  float64      `yaml:"speed"`
	Passes int          `yaml:"passes"`
	Points [][2]float64 `yaml:"points"`
	Arcs   []arcDoc     `yaml:"arcs"`
}

type arcDoc struct {
	Start     [2]float64 `yaml:"start"`
	End       [2]float64 `yaml:"end"`
	Center    [2]float64 `yaml:"center"`
	Clockwise bool       `yaml:"clockwise"`
}

// loadJob reads a YAML job document into the in-memory model.
func loadJob(path string) (*job.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	var doc jobDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Validation("parse job file %s: %v", path, err)
	}
	if len(doc.Layers) == 0 {
		return nil, errors.Validation("job file %s contains no layers", path)
	}

	j := job.New()
	j.SetMaterial(doc.Material)
	for _, ld := range doc.Layers {
		if err := buildLayer(j, nil, ld); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func buildLayer(j *job.Job, parent *job.Layer, doc layerDoc) error {
	l, err := j.NewLayer(doc.Name, parent)
	if err != nil {
		return err
	}
	if doc.Visible != nil {
		l.SetVisible(*doc.Visible)
	}
	if doc.PowerScale > 0 || doc.SpeedScale > 0 {
		power, speed := doc.PowerScale, doc.SpeedScale
		if power <= 0 {
			power = 1
		}
		if speed <= 0 {
			speed = 1
		}
		if err := l.SetScales(power, speed); err != nil {
			return err
		}
	}

	for i, pd := range doc.Paths {
		segs, err := buildSegments(pd)
		if err != nil {
			return errors.Validation("layer %q path %d: %v", doc.Name, i, err)
		}
		passes := pd.Passes
		if passes == 0 {
			passes = 1
		}
		if _, err := l.AddPath(segs, pd.Power, pd.Speed, passes); err != nil {
			return errors.Validation("layer %q path %d: %v", doc.Name, i, err)
		}
	}

	for _, cd := range doc.Children {
		if err := buildLayer(j, l, cd); err != nil {
			return err
		}
	}
	return nil
}

func buildSegments(pd pathDoc) ([]geom.Segment, error) {
	var segs []geom.Segment
	for i := 1; i < len(pd.Points); i++ {
		segs = append(segs, geom.Line(
			geom.Point{X: pd.Points[i-1][0], Y: pd.Points[i-1][1]},
			geom.Point{X: pd.Points[i][0], Y: pd.Points[i][1]},
		))
	}
	for _, a := range pd.Arcs {
		segs = append(segs, geom.Arc(
			geom.Point{X: a.Start[0], Y: a.Start[1]},
			geom.Point{X: a.End[0], Y: a.End[1]},
			geom.Point{X: a.Center[0], Y: a.Center[1]},
			a.Clockwise,
		))
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("path has no geometry")
	}
	return segs, nil
}
