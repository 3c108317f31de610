/*
Copyright © 2021 hit.zhangjie@gmail.com

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
package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hitzhangjie/gorr/pkg/hpc"
	"github.com/hitzhangjie/gorr/pkg/record"
	"github.com/hitzhangjie/gorr/pkg/task"
	"github.com/hitzhangjie/gorr/pkg/traceops"
)

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record <program> [args...]",
	Short: "record the execution of a program",
	Long: `record launches the program under trace and records its syscall
and signal interleaving until the whole process tree exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return errors.New("no program to record")
		}

		ops := traceops.New()
		defer ops.StopPtrace()

		p, err := ops.LaunchTraced(args[0], args[1:]...)
		if err != nil {
			return err
		}

		sched := task.NewScheduler(ops, hpc.New(), ops, viper.GetUint64("max-rbc"))
		sched.RegisterThread(0, p.Pid)

		record.Current = record.New(sched, ops, viper.GetInt("max-events"))
		record.Current.Run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().Int("max-events", 1000, "per-turn event budget before a thread yields")
	recordCmd.Flags().Uint64("max-rbc", 1<<20, "retired branch budget programmed into the counters")
	viper.BindPFlag("max-events", recordCmd.Flags().Lookup("max-events"))
	viper.BindPFlag("max-rbc", recordCmd.Flags().Lookup("max-rbc"))
}
