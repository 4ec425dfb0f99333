/*
Copyright 2024 Blnk Finance Authors.

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
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// reconcileCommands runs a one-off reconciliation of every non-terminal job, or
// of the job ids given as arguments.
func reconcileCommands(app *escrowInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [job-id...]",
		Short: "reconcile the job ledger with the escrow contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.setup(ctx); err != nil {
				return err
			}
			defer app.close()

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			if len(args) == 0 {
				summary, err := app.escrow.ReconcileAll(ctx)
				if err != nil {
					return err
				}
				return out.Encode(summary)
			}

			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid job id %q: %w", arg, err)
				}
				result, err := app.escrow.ReconcileJob(ctx, id)
				if err != nil {
					return fmt.Errorf("reconcile %s: %w", id, err)
				}
				if err := out.Encode(result); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
