// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a catalog file.
type File struct {
	Services      []Service           `yaml:"services"`
	Compatibility map[string][]string `yaml:"compatibility,omitempty"`
}

// LoadFile reads a catalog file and registers its content.
func (c *Catalog) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	if err := c.Load(f); err != nil {
		return fmt.Errorf("catalog %s: %w", path, err)
	}
	return nil
}

// Load decodes a catalog document from r and registers its content.
func (c *Catalog) Load(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	for _, svc := range file.Services {
		if err := c.Register(svc); err != nil {
			return err
		}
	}
	for action, reactions := range file.Compatibility {
		c.Allow(action, reactions...)
	}
	return nil
}
