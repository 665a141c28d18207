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

package pve

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
)

// StarterOptions configures how qm is invoked
type StarterOptions struct {
	// QMPath is the qm binary, looked up in PATH when not absolute
	QMPath string
	// Timeout bounds a single attempt
	Timeout time.Duration
	// Attempts is the total number of tries per Start call
	Attempts int
	// RetryDelay is the fixed pause between attempts
	RetryDelay time.Duration
}

// VMStarter starts Proxmox VMs with `qm start <vmid>`
type VMStarter struct {
	runner Runner
	opts   StarterOptions
	log    logr.Logger
}

// NewVMStarter creates a new VM starter
func NewVMStarter(runner Runner, opts StarterOptions, log logr.Logger) *VMStarter {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.QMPath == "" {
		opts.QMPath = "qm"
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &VMStarter{
		runner: runner,
		opts:   opts,
		log:    log,
	}
}

// StartVM runs qm start for vmid. With dryRun the command is only logged.
func (s *VMStarter) StartVM(ctx context.Context, vmid int, dryRun bool) error {
	args := []string{"start", strconv.Itoa(vmid)}
	s.log.V(1).Info("Executing", "command", commandLine(s.opts.QMPath, args), "dryRun", dryRun)
	if dryRun {
		s.log.Info("Dry run, not starting VM", "vmid", vmid)
		return nil
	}

	var lastErr error
	attempt := 0
	backoff := wait.Backoff{
		Duration: s.opts.RetryDelay,
		Factor:   1,
		Steps:    s.opts.Attempts,
	}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()

		out, err := s.runner.Run(attemptCtx, s.opts.QMPath, args...)
		if err != nil {
			lastErr = err
			s.log.Error(err, "qm start failed", "vmid", vmid, "attempt", attempt, "attempts", s.opts.Attempts)
			return false, nil
		}
		s.log.V(1).Info("qm start succeeded", "vmid", vmid, "output", out)
		return true, nil
	})
	if err == nil {
		return nil
	}
	if lastErr != nil && wait.Interrupted(err) {
		return fmt.Errorf("failed to start VM %d after %d attempt(s): %w", vmid, attempt, lastErr)
	}
	return fmt.Errorf("failed to start VM %d: %w", vmid, err)
}
