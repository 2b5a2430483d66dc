// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the runtime settings shared by the image cache, the
// hook registry and the module loader.
package config // import "github.com/vectorhook/hookcore/config"

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

const (
	// DefaultLoaderOpenSymbol is the mangled name of the bionic linker's
	// internal dlopen implementation.
	DefaultLoaderOpenSymbol = "__dl__Z9do_dlopenPKciPK17android_dlextinfoPKv"
	// DefaultModuleInitSymbol is exported by companion modules.
	DefaultModuleInitSymbol = "native_init"
	// DefaultAPIVersion is the capability table layout handed to modules.
	DefaultAPIVersion = 2

	// DefaultMaxDebugDataSize bounds the decoded size of .gnu_debugdata.
	DefaultMaxDebugDataSize = 64 << 20
	// DefaultAdhocImageCacheSize is the LRU size for images opened by name.
	DefaultAdhocImageCacheSize = 32
	// DefaultHookShards is the number of shards of the hook registry map.
	DefaultHookShards = 16
)

// Config is the configuration of a hookcore runtime.
type Config struct {
	ArtLibrary          string `json:"art-library"`
	BinderLibrary       string `json:"binder-library"`
	LinkerPath          string `json:"linker-path"`
	FrameworkLibrary    string `json:"framework-library"`
	LoaderOpenSymbol    string `json:"loader-open-symbol"`
	ModuleInitSymbol    string `json:"module-init-symbol"`
	APIVersion          uint32 `json:"api-version"`
	MaxDebugDataSize    uint64 `json:"max-debugdata-size"`
	AdhocImageCacheSize uint32 `json:"adhoc-image-cache-size"`
	HookShards          uint32 `json:"hook-shards"`
}

// Default returns the configuration for a stock Android userspace.
func Default() Config {
	return Config{
		ArtLibrary:          "libart.so",
		BinderLibrary:       "libbinder.so",
		LinkerPath:          "/linker",
		FrameworkLibrary:    "libandroidfw.so",
		LoaderOpenSymbol:    DefaultLoaderOpenSymbol,
		ModuleInitSymbol:    DefaultModuleInitSymbol,
		APIVersion:          DefaultAPIVersion,
		MaxDebugDataSize:    DefaultMaxDebugDataSize,
		AdhocImageCacheSize: DefaultAdhocImageCacheSize,
		HookShards:          DefaultHookShards,
	}
}

// Validate checks if the configuration is usable.
func (cfg *Config) Validate() error {
	for name, lib := range map[string]string{
		"art library":       cfg.ArtLibrary,
		"binder library":    cfg.BinderLibrary,
		"linker path":       cfg.LinkerPath,
		"framework library": cfg.FrameworkLibrary,
	} {
		if strings.TrimSpace(lib) == "" {
			return fmt.Errorf("%s must be set", name)
		}
	}

	if cfg.LoaderOpenSymbol == "" {
		return errors.New("loader open symbol must be set")
	}
	if cfg.ModuleInitSymbol == "" {
		return errors.New("module init symbol must be set")
	}
	if cfg.APIVersion == 0 {
		return errors.New("api version must be > 0")
	}
	if cfg.MaxDebugDataSize < 4096 {
		return fmt.Errorf("max debugdata size %d is below one page", cfg.MaxDebugDataSize)
	}
	if cfg.AdhocImageCacheSize == 0 {
		return errors.New("adhoc image cache size must be > 0")
	}
	if cfg.HookShards == 0 || bits.OnesCount32(cfg.HookShards) != 1 {
		return fmt.Errorf("hook shards %d must be a power of two", cfg.HookShards)
	}

	return nil
}
