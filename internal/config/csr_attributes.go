// Copyright Project Contour Authors
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

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CsrAttributes is the document format accepted at Config.CSRAttributesPath:
// two top-level maps of dotted OID string to value.
type CsrAttributes struct {
	CustomAttributes  map[string]string `yaml:"custom_attributes"`
	ExtensionRequests map[string]string `yaml:"extension_requests"`
}

// LoadCsrAttributes reads and parses the CSR attributes file at path. A
// missing path is not an error: it returns a zero-value CsrAttributes, since
// csr_attributes_path is optional.
func LoadCsrAttributes(path string) (CsrAttributes, error) {
	if path == "" {
		return CsrAttributes{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return CsrAttributes{}, nil
	}
	if err != nil {
		return CsrAttributes{}, fmt.Errorf("reading csr attributes file %s: %w", path, err)
	}
	var attrs CsrAttributes
	if err := yaml.Unmarshal(data, &attrs); err != nil {
		return CsrAttributes{}, fmt.Errorf("parsing csr attributes file %s: %w", path, err)
	}
	return attrs, nil
}
