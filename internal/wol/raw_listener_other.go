//go:build !linux

/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wol

import (
	"fmt"
	"runtime"

	"github.com/go-logr/logr"
)

func openRawEndpoint(interfaceName string, _ logr.Logger) (*endpoint, error) {
	return nil, fmt.Errorf("raw WOL listening on %s is not supported on %s", interfaceName, runtime.GOOS)
}
