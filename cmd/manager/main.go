/*
Copyright The PostgreSQL Operation Manager Contributors

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

// The manager command is the entry point of the PostgreSQL operation
// manager: a control plane reshaping the primary/standby topology of a
// streaming-replication cluster over an HTTP API
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Revenberg/postgresql/internal/cmd/manager/serve"
	"github.com/Revenberg/postgresql/internal/cmd/manager/status"
)

func main() {
	cmd := &cobra.Command{
		Use:          "manager [cmd]",
		Short:        "PostgreSQL streaming-replication operation manager",
		SilenceUsage: true,
	}

	cmd.AddCommand(serve.NewCmd())
	cmd.AddCommand(status.NewCmd())

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
