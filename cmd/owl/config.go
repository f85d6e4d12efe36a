// Copyright 2024 The Owl Authors
// This file is part of owlang.
//
// owlang is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"os"

	"github.com/naoina/toml"
)

// config holds the settings that don't belong on the command line: GC
// half-space size, an OWL_LOAD_PATH override, and whether to force a
// collection at every safepoint. Searched for as ./owl.toml; CLI flags
// passed to run always win over a value loaded from here.
type config struct {
	GCHalfSpaceBytes int64    `toml:"gc_half_space_bytes"`
	LoadPath         []string `toml:"load_path"`
	ForceGC          bool     `toml:"force_gc"`
}

func defaultConfig() config {
	return config{GCHalfSpaceBytes: 16 << 20}
}

// loadConfig reads owl.toml from the working directory if present,
// layering its values over the defaults. A missing file is not an error.
func loadConfig() (config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile("owl.toml")
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
