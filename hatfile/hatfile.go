// Package hatfile parses the TOML metadata embedded in HAT packages.
//
// A HAT file is a C header whose body carries a TOML document between
// "#ifdef TOML" and "#endif // TOML" guards. This package extracts and
// decodes that document into the declarative function and parameter
// records consumed by the callable engine.
package hatfile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ParameterType classifies the logical kind of a function parameter.
type ParameterType string

const (
	AffineArray  ParameterType = "affine_array"
	RuntimeArray ParameterType = "runtime_array"
	Element      ParameterType = "element"
	VoidType     ParameterType = "void"
)

// UsageType indicates parameter data flow.
type UsageType string

const (
	Input       UsageType = "input"
	Output      UsageType = "output"
	InputOutput UsageType = "input_output"
)

// Parameter is one declared function parameter record.
//
// Shape is heterogeneous on purpose: affine arrays declare integer
// extents, runtime arrays declare dimension symbols (parameter names)
// mixed with integer literals. Entries decode as int64 or string.
type Parameter struct {
	Name         string        `toml:"name"`
	Description  string        `toml:"description"`
	LogicalType  ParameterType `toml:"logical_type"`
	DeclaredType string        `toml:"declared_type"`
	ElementType  string        `toml:"element_type"`
	Usage        UsageType     `toml:"usage"`

	// Affine array keys
	Shape        []interface{} `toml:"shape"`
	AffineMap    []int64       `toml:"affine_map"`
	AffineOffset int64         `toml:"affine_offset"`

	// Runtime array keys
	Size string `toml:"size"`
}

// Void returns the canonical void return record.
func Void() Parameter {
	return Parameter{
		LogicalType:  VoidType,
		DeclaredType: "void",
		ElementType:  "void",
		Usage:        Output,
	}
}

// Function describes one callable entry point, host or device.
type Function struct {
	Name              string        `toml:"name"`
	Description       string        `toml:"description"`
	CallingConvention string        `toml:"calling_convention"`
	Arguments         []Parameter   `toml:"arguments"`
	Return            Parameter     `toml:"return"`

	// Host-side launcher fields
	Runtime  string `toml:"runtime"`
	Launches string `toml:"launches"`

	// Device function fields
	Provider              string  `toml:"provider"`
	LaunchParameters      []int64 `toml:"launch_parameters"`
	DynamicSharedMemBytes int64   `toml:"dynamic_shared_mem_bytes"`
}

// Description is the package-level description table.
type Description struct {
	Author     string `toml:"author"`
	Version    string `toml:"version"`
	LicenseURL string `toml:"license_url"`
	Comment    string `toml:"comment"`
}

// Dependencies names the binaries a HAT package links against.
type Dependencies struct {
	LinkTarget  string                 `toml:"link_target"`
	DeployFiles []string               `toml:"deploy_files"`
	Auxiliary   map[string]interface{} `toml:"auxiliary"`
}

// HATFile is the decoded metadata of one HAT package.
type HATFile struct {
	Name            string
	Path            string
	Description     Description
	Functions       map[string]Function
	DeviceFunctions map[string]Function
	Dependencies    Dependencies
}

type fileTOML struct {
	Description     Description         `toml:"description"`
	Functions       map[string]Function `toml:"functions"`
	DeviceFunctions map[string]Function `toml:"device_functions"`
	Dependencies    Dependencies        `toml:"dependencies"`
}

const (
	tomlBegin = "#ifdef TOML"
	tomlEnd   = "#endif // TOML"
)

// extractTOML returns the TOML region of a HAT header. Files that carry
// no guard markers are treated as plain TOML.
func extractTOML(text string) (string, error) {
	begin := strings.Index(text, tomlBegin)
	if begin < 0 {
		return text, nil
	}
	end := strings.Index(text, tomlEnd)
	if end < 0 || end < begin {
		return "", errors.Errorf("hatfile: %q marker without matching %q", tomlBegin, tomlEnd)
	}
	return text[begin+len(tomlBegin) : end], nil
}

// Load reads and decodes a HAT file from disk.
func Load(path string) (*HATFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "hatfile: reading %s", path)
	}
	hf, err := Parse(string(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "hatfile: parsing %s", path)
	}
	hf.Path = path
	hf.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return hf, nil
}

// Parse decodes HAT metadata from header text.
func Parse(text string) (*HATFile, error) {
	body, err := extractTOML(text)
	if err != nil {
		return nil, err
	}

	var ft fileTOML
	if _, err := toml.Decode(body, &ft); err != nil {
		return nil, errors.Wrap(err, "decoding TOML body")
	}
	if len(ft.Functions) == 0 {
		return nil, errors.New("missing required [functions] table")
	}

	hf := &HATFile{
		Description:     ft.Description,
		Functions:       make(map[string]Function, len(ft.Functions)),
		DeviceFunctions: make(map[string]Function, len(ft.DeviceFunctions)),
		Dependencies:    ft.Dependencies,
	}
	for key, fn := range ft.Functions {
		if fn.Name == "" {
			fn.Name = key
		}
		if err := validateFunction(fn); err != nil {
			return nil, errors.Wrapf(err, "function %s", key)
		}
		hf.Functions[key] = fn
	}
	for key, fn := range ft.DeviceFunctions {
		if fn.Name == "" {
			fn.Name = key
		}
		if err := validateFunction(fn); err != nil {
			return nil, errors.Wrapf(err, "device function %s", key)
		}
		hf.DeviceFunctions[key] = fn
	}
	return hf, nil
}

// DeviceFunction resolves the device function a host launcher points at.
func (hf *HATFile) DeviceFunction(host Function) (Function, error) {
	if host.Launches == "" {
		return Function{}, errors.Errorf("function %s launches no device function", host.Name)
	}
	dev, ok := hf.DeviceFunctions[host.Launches]
	if !ok {
		return Function{}, errors.Errorf("function %s launches %s, which is not in [device_functions]", host.Name, host.Launches)
	}
	return dev, nil
}

func validateFunction(fn Function) error {
	for i, p := range fn.Arguments {
		if err := validateParameter(p); err != nil {
			return errors.Wrapf(err, "argument %d (%s)", i, p.Name)
		}
	}
	if len(fn.LaunchParameters) != 0 && len(fn.LaunchParameters) != 6 {
		return errors.Errorf("launch_parameters must hold 6 entries (grid x-z, block x-z), got %d", len(fn.LaunchParameters))
	}
	return nil
}

func validateParameter(p Parameter) error {
	switch p.LogicalType {
	case AffineArray:
		if len(p.Shape) != len(p.AffineMap) {
			return errors.Errorf("affine_map rank %d does not match shape rank %d", len(p.AffineMap), len(p.Shape))
		}
	case RuntimeArray:
		if p.Size == "" {
			return errors.New("runtime_array requires a size expression")
		}
	case Element, VoidType:
	default:
		return errors.Errorf("unknown logical_type %q", p.LogicalType)
	}
	switch p.Usage {
	case Input, Output, InputOutput:
	default:
		return errors.Errorf("unknown usage %q", p.Usage)
	}
	return nil
}
