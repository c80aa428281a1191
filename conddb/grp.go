// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sviraaj/AliceO2/detectors"
)

// GRP holds the global run parameters of a run.
type GRP struct {
	Run        int64          `json:"run"`
	Start      time.Time      `json:"start"`
	ReadOut    detectors.Mask `json:"readout"`    // detectors read out
	Continuous detectors.Mask `json:"continuous"` // detectors in continuous readout mode
}

// IsDetReadOut returns whether the detector det is read out.
func (grp GRP) IsDetReadOut(det detectors.DetID) bool {
	return grp.ReadOut.Has(det)
}

// IsDetContinuousReadOut returns whether the detector det is read out
// in continuous mode.
func (grp GRP) IsDetContinuousReadOut(det detectors.DetID) bool {
	return grp.IsDetReadOut(det) && grp.Continuous.Has(det)
}

type jsonGRP struct {
	Run        int64     `json:"run"`
	Start      time.Time `json:"start"`
	ReadOut    string    `json:"readout"`
	Continuous string    `json:"continuous"`
}

func (grp GRP) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonGRP{
		Run:        grp.Run,
		Start:      grp.Start,
		ReadOut:    grp.ReadOut.String(),
		Continuous: grp.Continuous.String(),
	})
}

func (grp *GRP) UnmarshalJSON(p []byte) error {
	var (
		raw jsonGRP
		err error
	)
	err = json.Unmarshal(p, &raw)
	if err != nil {
		return err
	}
	grp.Run = raw.Run
	grp.Start = raw.Start
	grp.ReadOut, err = detectors.ParseMask(raw.ReadOut)
	if err != nil {
		return fmt.Errorf("could not parse readout detectors: %w", err)
	}
	grp.Continuous, err = detectors.ParseMask(raw.Continuous)
	if err != nil {
		return fmt.Errorf("could not parse continuous detectors: %w", err)
	}
	return nil
}

// LoadGRP loads a GRP record from a JSON file.
func LoadGRP(fname string) (GRP, error) {
	var grp GRP
	raw, err := os.ReadFile(fname)
	if err != nil {
		return grp, fmt.Errorf("conddb: could not read GRP file: %w", err)
	}

	err = json.Unmarshal(raw, &grp)
	if err != nil {
		return grp, fmt.Errorf("conddb: could not decode GRP file %q: %w", fname, err)
	}
	return grp, nil
}

// SaveGRP saves a GRP record to a JSON file.
func SaveGRP(fname string, grp GRP) error {
	raw, err := json.MarshalIndent(grp, "", "  ")
	if err != nil {
		return fmt.Errorf("conddb: could not encode GRP: %w", err)
	}
	err = os.WriteFile(fname, append(raw, '\n'), 0644)
	if err != nil {
		return fmt.Errorf("conddb: could not write GRP file: %w", err)
	}
	return nil
}
