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

package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	wolclient "github.com/mdlayher/wol"
	"github.com/spf13/cobra"

	"github.com/gpillon/pve-wol/internal/mac"
)

var (
	sendAddr     string
	sendPassword string
)

var sendCmd = &cobra.Command{
	Use:   "send <mac>",
	Short: "Send a magic packet, e.g. to test a running daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendAddr, "addr", "255.255.255.255:9", "destination host:port")
	sendCmd.Flags().StringVar(&sendPassword, "password", "", "SecureOn password as 4 or 6 hex bytes")
}

func runSend(_ *cobra.Command, args []string) error {
	target, err := parseTarget(args[0])
	if err != nil {
		return err
	}
	password, err := parsePassword(sendPassword)
	if err != nil {
		return err
	}

	client, err := wolclient.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer client.Close()

	if password != nil {
		err = client.WakePassword(sendAddr, target, password)
	} else {
		err = client.Wake(sendAddr, target)
	}
	if err != nil {
		setupLog.Error(err, "Failed to send magic packet", "mac", target.String(), "addr", sendAddr)
		return err
	}

	setupLog.Info("Magic packet sent", "mac", target.String(), "addr", sendAddr)
	return nil
}

func parseTarget(text string) (net.HardwareAddr, error) {
	canonical, err := mac.Canonicalize(text)
	if err != nil {
		return nil, err
	}
	return net.ParseMAC(canonical)
}

func parsePassword(text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}
	password, err := hex.DecodeString(strings.NewReplacer(":", "", "-", "").Replace(text))
	if err != nil {
		return nil, fmt.Errorf("invalid password %q: %w", text, err)
	}
	if len(password) != 4 && len(password) != 6 {
		return nil, fmt.Errorf("password must be 4 or 6 bytes, got %d", len(password))
	}
	return password, nil
}
