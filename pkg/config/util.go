package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type FileType int

const (
	Unknown FileType = iota
	JSON
	YAML
)

func ReadFromFile(path string) (*Lzcore, error) {
	// test the file type
	var typ FileType
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		typ = YAML
	} else if strings.HasSuffix(path, ".json") {
		typ = JSON
	}
	if typ == Unknown {
		return nil, fmt.Errorf("lzcore config at '%s': unknown file type, not a JSON or YAML file", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lzcore config at '%s': %w", path, err)
	}
	defer f.Close()

	// pass it on to the reader function
	return ReadFrom(f, typ)
}

func ReadFrom(r io.Reader, typ FileType) (*Lzcore, error) {
	var cfg Lzcore
	switch typ { //nolint:exhaustive
	case JSON:
		if err := json.NewDecoder(r).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("lzcore config: JSON decoder: %w", err)
		}
	case YAML:
		if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("lzcore config: YAML decoder: %w", err)
		}
	default:
		return nil, fmt.Errorf("lzcore config: unknown file type")
	}
	return &cfg, nil
}

func MergeConfigs(base *Lzcore, override *Lzcore) *Lzcore {
	// clone the values from the base config
	// so that we don't override the arguments for the caller
	// also short-circuit things to avoid pointer shenanigans
	if base == nil {
		return nil
	}
	ret := *base
	if base.Regions != nil {
		ret.Regions = make(map[string]Region, len(base.Regions))
		for name, r := range base.Regions {
			ret.Regions[name] = r
		}
	}
	if override == nil {
		return &ret
	}

	// StateDir can be overridden
	if override.StateDir != "" {
		ret.StateDir = override.StateDir
	}

	// WatchdogDeferralSeconds can be overridden
	if override.WatchdogDeferralSeconds > 0 {
		ret.WatchdogDeferralSeconds = override.WatchdogDeferralSeconds
	}

	// regions merge per entry: an override may change just the path or
	// just the size of one region without restating the others
	for name, o := range override.Regions {
		if ret.Regions == nil {
			ret.Regions = make(map[string]Region)
		}
		merged := ret.Regions[name]
		if o.Path != "" {
			merged.Path = o.Path
		}
		if o.Size > 0 {
			merged.Size = o.Size
		}
		ret.Regions[name] = merged
	}

	return &ret
}
