// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Clone returns a deep copy of the configuration, gob-encoded to sidestep
// the unexported-field and pointer-aliasing issues a shallow struct copy
// would have.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		fmt.Printf("config: clone encode failed: %v\n", err)
		return nil
	}

	var clone Config
	if err := gob.NewDecoder(&buf).Decode(&clone); err != nil {
		fmt.Printf("config: clone decode failed: %v\n", err)
		return nil
	}
	return &clone
}
