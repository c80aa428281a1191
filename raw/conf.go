// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package raw

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	ini "gopkg.in/ini.v1"
)

// Conf describes the raw data files produced by a Writer.
type Conf struct {
	Origin        string // detector name
	Description   string // data description, e.g. RAWDATA
	SuperPageSize int
	DefaultSink   string // destination of unregistered links, if any data went there
	Producer      string // unique identifier of the producing writer

	Links []LinkConf
}

// LinkConf binds a link to its destination.
type LinkConf struct {
	Key  LinkKey
	Path string
}

// Conf returns the configuration of the writer.
func (w *Writer) Conf(det, kind string) Conf {
	cfg := Conf{
		Origin:        det,
		Description:   kind,
		SuperPageSize: w.size,
	}
	if _, ok := w.sinks[w.dflt]; ok {
		cfg.DefaultSink = w.dflt
	}
	for _, l := range w.order {
		if !l.reg {
			continue
		}
		cfg.Links = append(cfg.Links, LinkConf{Key: l.key, Path: l.sink.path})
	}
	return cfg
}

// Files returns the sorted list of destinations of the manifest.
func (cfg Conf) Files() []string {
	set := make(map[string]struct{}, len(cfg.Links)+1)
	if cfg.DefaultSink != "" {
		set[cfg.DefaultSink] = struct{}{}
	}
	for _, lnk := range cfg.Links {
		set[lnk.Path] = struct{}{}
	}
	files := make([]string, 0, len(set))
	for name := range set {
		files = append(files, name)
	}
	sort.Strings(files)
	return files
}

// WriteConfFile writes the configuration manifest of the writer to
// the file fname.
// The manifest lists every registered link with its destination.
func (w *Writer) WriteConfFile(det, kind, fname string) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("raw: could not create configuration file: %w", err)
	}
	defer f.Close()

	cfg := w.Conf(det, kind)
	cfg.Producer = uuid.NewString()

	err = cfg.Encode(f)
	if err != nil {
		return fmt.Errorf("raw: could not write configuration file %q: %w", fname, err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("raw: could not close configuration file %q: %w", fname, err)
	}
	return nil
}

// Encode writes the manifest to w.
func (cfg Conf) Encode(w io.Writer) error {
	f := ini.Empty()

	kvs := []string{
		"dataOrigin", cfg.Origin,
		"dataDescription", cfg.Description,
		"superPageSize", strconv.Itoa(cfg.SuperPageSize),
	}
	if cfg.Producer != "" {
		kvs = append(kvs, "producer", cfg.Producer)
	}
	if cfg.DefaultSink != "" {
		kvs = append(kvs, "defaultFilePath", cfg.DefaultSink)
	}
	sec, err := newSection(f, "defaults", kvs...)
	if err != nil {
		return err
	}
	sec.Comment = "# raw data configuration for " + cfg.Origin

	for i, lnk := range cfg.Links {
		_, err = newSection(f, fmt.Sprintf("link-%d", i),
			"feeId", fmt.Sprintf("0x%04x", lnk.Key.FEEID),
			"cruId", strconv.Itoa(int(lnk.Key.CRUID)),
			"linkId", strconv.Itoa(int(lnk.Key.LinkID)),
			"endPointId", strconv.Itoa(int(lnk.Key.EndPointID)),
			"filePath", lnk.Path,
		)
		if err != nil {
			return err
		}
	}

	_, err = f.WriteTo(w)
	if err != nil {
		return fmt.Errorf("raw: could not write configuration: %w", err)
	}
	return nil
}

func newSection(f *ini.File, name string, kvs ...string) (*ini.Section, error) {
	sec, err := f.NewSection(name)
	if err != nil {
		return nil, fmt.Errorf("raw: could not create section [%s]: %w", name, err)
	}
	for i := 0; i < len(kvs); i += 2 {
		_, err = sec.NewKey(kvs[i], kvs[i+1])
		if err != nil {
			return nil, fmt.Errorf("raw: could not create key %q of section [%s]: %w", kvs[i], name, err)
		}
	}
	return sec, nil
}

// ReadConfFile reads a manifest written by WriteConfFile.
func ReadConfFile(fname string) (Conf, error) {
	f, err := os.Open(fname)
	if err != nil {
		return Conf{}, fmt.Errorf("raw: could not open configuration file: %w", err)
	}
	defer f.Close()

	cfg, err := DecodeConf(f)
	if err != nil {
		return cfg, fmt.Errorf("raw: could not read configuration file %q: %w", fname, err)
	}
	return cfg, nil
}

// DecodeConf decodes a manifest from r.
// Links appear in the order of their sections.
func DecodeConf(r io.Reader) (Conf, error) {
	var cfg Conf
	raw, err := io.ReadAll(r)
	if err != nil {
		return cfg, fmt.Errorf("could not read configuration: %w", err)
	}

	f, err := ini.LoadSources(ini.LoadOptions{
		AllowNonUniqueSections: true,
		IgnoreInlineComment:    true,
	}, raw)
	if err != nil {
		return cfg, fmt.Errorf("could not parse configuration: %w", err)
	}

	seen := make(map[LinkKey]string)
	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case name == "defaults":
			err = decodeDefaults(&cfg, sec)
			if err != nil {
				return cfg, err
			}

		case strings.HasPrefix(name, "link-"):
			lnk, err := decodeLink(sec)
			if err != nil {
				return cfg, err
			}
			if path, dup := seen[lnk.Key]; dup {
				return cfg, fmt.Errorf("link %v listed twice (%q, %q)", lnk.Key, path, lnk.Path)
			}
			seen[lnk.Key] = lnk.Path
			cfg.Links = append(cfg.Links, lnk)
		}
	}

	return cfg, nil
}

func decodeDefaults(cfg *Conf, sec *ini.Section) error {
	for _, key := range sec.Keys() {
		var (
			err error
			v   = key.String()
		)
		switch key.Name() {
		case "dataOrigin":
			cfg.Origin = v
		case "dataDescription":
			cfg.Description = v
		case "superPageSize":
			cfg.SuperPageSize, err = strconv.Atoi(v)
		case "producer":
			cfg.Producer = v
		case "defaultFilePath":
			cfg.DefaultSink = v
		}
		if err != nil {
			return fmt.Errorf("section [%s]: could not parse %q: %w", sec.Name(), key.Name(), err)
		}
	}
	return nil
}

func decodeLink(sec *ini.Section) (LinkConf, error) {
	var lnk LinkConf
	for _, key := range sec.Keys() {
		var (
			err error
			v   = key.String()
		)
		switch key.Name() {
		case "feeId":
			lnk.Key.FEEID, err = parseU16(v)
		case "cruId":
			lnk.Key.CRUID, err = parseU16(v)
		case "linkId":
			lnk.Key.LinkID, err = parseU8(v)
		case "endPointId":
			lnk.Key.EndPointID, err = parseU8(v)
		case "filePath":
			lnk.Path = v
		}
		if err != nil {
			return lnk, fmt.Errorf("section [%s]: could not parse %q: %w", sec.Name(), key.Name(), err)
		}
	}
	if lnk.Path == "" {
		return lnk, fmt.Errorf("section [%s] has no filePath", sec.Name())
	}
	return lnk, nil
}

func parseU16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	return uint16(v), err
}

func parseU8(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	return uint8(v), err
}
