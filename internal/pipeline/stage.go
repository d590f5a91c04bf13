// Copyright 2026 The Kestrel Proxy Authors
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

package pipeline

import "context"

// Stage wraps an Interceptor with the ordering and lifecycle metadata
// the Manager needs: a priority (lower runs first), and optional
// setup/teardown hooks run once at Manager construction/Close time.
type Stage struct {
	Name        string
	Priority    int
	Interceptor Interceptor

	Initialize func(ctx context.Context) error
	Destroy    func(ctx context.Context) error
}
