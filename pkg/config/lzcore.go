package config

// Lzcore represents the structure of the optional configuration file for
// the lzcore demo harness. It overrides the built-in flash-region layout
// and the default watchdog deferral; log settings stay on the CLI flags.
//
// Here is an example YAML:
//
//	state_dir: /var/lib/lzcore
//	watchdog_deferral_seconds: 300
//	regions:
//	  staging:
//	    path: staging-override.bin
//	    size: 131072
type Lzcore struct {
	// StateDir is the directory holding the flash-region backing files.
	// A relative region path below is resolved against it.
	StateDir string `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`

	// Regions overrides the backing file path and/or size of individual
	// flash regions, keyed by region name (bootparams, certstore,
	// datastore, staging, core, cpatcher, udownloader, app).
	Regions map[string]Region `json:"regions,omitempty" yaml:"regions,omitempty"`

	// WatchdogDeferralSeconds overrides the deferral window armed when
	// no DEFERRAL_TICKET is present in staging.
	WatchdogDeferralSeconds int `json:"watchdog_deferral_seconds,omitempty" yaml:"watchdog_deferral_seconds,omitempty"`
}

// Region overrides one flash region's backing file.
type Region struct {
	// Path is the backing file path; relative paths resolve against
	// StateDir (or the --state-dir flag if StateDir is unset).
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Size is the region size in bytes; it is rounded up to the flash
	// page granularity on open.
	Size int `json:"size,omitempty" yaml:"size,omitempty"`
}
