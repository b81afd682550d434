// Copyright 2024 The sabfs Authors. All Rights Reserved.
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

// sabfs is a small driver around the library: it mounts a region and
// prints diagnostics or a JSON dump of the tree.
package main

import (
	"fmt"
	"os"

	"github.com/sabfs/sabfs"
	"github.com/sabfs/sabfs/cfg"
	"github.com/spf13/cobra"
)

var configPath string

func loadSystem() (*sabfs.System, error) {
	c, err := cfg.Load(configPath)
	if err != nil {
		return nil, err
	}
	return sabfs.Init(c)
}

func newDiagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diag",
		Short: "Mount a fresh region and log per-component state",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSystem()
			if err != nil {
				return err
			}
			s.Diag()
			return nil
		},
	}
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump [path]",
		Short: "Print the JSON tree under path (default /)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			s, err := loadSystem()
			if err != nil {
				return err
			}
			st, err := s.FS.Statfs(path, true)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.JSON)
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "sabfs",
		Short: "Shared-region in-memory filesystem tooling",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file.")
	root.AddCommand(newDiagCmd())
	root.AddCommand(newDumpCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
