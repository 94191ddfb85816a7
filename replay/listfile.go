// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Listfile container. A recorded run is a ZIP
// archive holding the raw framed readout byte stream (magic-tagged with
// the transport variant that produced it) plus a YAML crate-configuration
// envelope. Uses stdlib archive/zip (the container format beyond buffer
// framing is out of scope) and gopkg.in/yaml.v2 for the envelope, in the
// same YAML-tagged struct style used elsewhere for device attribute
// tables.

package replay

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v2"

	"github.com/mvlc-go/mvlc"
)

// Format identifies which transport variant produced a listfile's raw data.
type Format int

const (
	FormatUnknown Format = iota
	FormatUSB
	FormatETH
)

func (f Format) String() string {
	switch f {
	case FormatUSB:
		return "MVLC_USB"
	case FormatETH:
		return "MVLC_ETH"
	default:
		return "unknown"
	}
}

var (
	magicUSB = []byte("MVLC_USB")
	magicETH = []byte("MVLC_ETH")
)

// SniffFormat inspects a data member's leading bytes and reports which
// transport variant recorded it.
func SniffFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, magicUSB):
		return FormatUSB
	case bytes.HasPrefix(data, magicETH):
		return FormatETH
	default:
		return FormatUnknown
	}
}

// StackConfig names one recorded stack, for introspection tools.
type StackConfig struct {
	Name    string `yaml:"name"`
	StackID uint8  `yaml:"stack_id"`
}

// ConfigEnvelope is the YAML sidecar describing the crate setup a listfile
// was recorded with.
type ConfigEnvelope struct {
	CrateName string        `yaml:"crate_name"`
	Stacks    []StackConfig `yaml:"stacks"`
}

const (
	configMemberName = "config.yaml"
	dataMemberName   = "data.mvlclst"
)

// Listfile is an opened recorded-run container.
type Listfile struct {
	zr     *zip.ReadCloser
	Format Format
	Config ConfigEnvelope
}

// Open reads path's config member and sniffs the data member's format
// magic without fully reading it; callers use DataReader to stream the
// payload.
func Open(path string) (*Listfile, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, mvlc.WrapError(mvlc.ConnectionFailed, err)
	}

	lf := &Listfile{zr: zr}

	if cf := findMember(zr, configMemberName); cf != nil {
		rc, err := cf.Open()
		if err != nil {
			zr.Close()
			return nil, err
		}
		dec := yaml.NewDecoder(rc)
		derr := dec.Decode(&lf.Config)
		rc.Close()
		if derr != nil && derr != io.EOF {
			zr.Close()
			return nil, fmt.Errorf("decode %s: %w", configMemberName, derr)
		}
	}

	df := findMember(zr, dataMemberName)
	if df == nil {
		zr.Close()
		return nil, mvlc.NewError(mvlc.InvalidBufferHeader)
	}

	rc, err := df.Open()
	if err != nil {
		zr.Close()
		return nil, err
	}
	magic := make([]byte, 8)
	io.ReadFull(rc, magic)
	rc.Close()

	lf.Format = SniffFormat(magic)
	return lf, nil
}

func findMember(zr *zip.ReadCloser, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// DataReader opens the raw readout byte stream member for sequential
// reading. The returned reader still has the format magic at its front;
// the replay worker consumes it once before handing buffers downstream.
func (lf *Listfile) DataReader() (io.ReadCloser, error) {
	df := findMember(lf.zr, dataMemberName)
	if df == nil {
		return nil, mvlc.NewError(mvlc.InvalidBufferHeader)
	}
	return df.Open()
}

func (lf *Listfile) Close() error {
	return lf.zr.Close()
}
