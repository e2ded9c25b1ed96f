package cmd

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/batchserve/batchserve/serve"
	"github.com/batchserve/batchserve/serve/trace"
)

var (
	// CLI flags for the engine run
	sessionPath string // Path to the YAML session file
	logLevel    string // Log verbosity level
	maxSteps    int    // Step budget before giving up on the session
	showTrace   bool   // Print the lifecycle trace after the run
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "batchserve",
	Short: "Batched LLM serving engine core",
}

// runCmd executes a scripted generation session against the in-process model
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scripted generation session",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		session, err := LoadSessionConfig(sessionPath)
		if err != nil {
			logrus.Fatalf("unable to read session config: %v", err)
		}

		model := serve.NewSimKVModel(0, session.Engine.VocabSize,
			session.Engine.KVCache.TotalBlocks, session.Engine.KVCache.BlockSizeTokens)
		tokenizer := serve.NewMapTokenizer(nil, []int32{session.EOSToken})

		recorder := trace.NewEventTraceRecorder(trace.TraceLevel(session.Engine.TraceLevel))

		callback := func(outputs []serve.RequestStreamOutput) {
			for _, output := range outputs {
				for branch, delta := range output.GroupDeltaTokenIDs {
					if len(delta) == 0 && !output.GroupFinishReason[branch].Defined() {
						continue
					}
					fmt.Printf("%s[%d] += %v", output.RequestID, branch, delta)
					if reason := output.GroupFinishReason[branch]; reason.Defined() {
						fmt.Printf(" (finish: %s)", reason)
					}
					fmt.Println()
				}
			}
		}

		engine, err := serve.NewEngine(&session.Engine, []serve.Model{model}, tokenizer, callback, recorder)
		if err != nil {
			logrus.Fatalf("unable to create engine: %v", err)
		}

		logrus.Infof("Starting session with %d requests, %d KV blocks",
			len(session.Requests), session.Engine.KVCache.TotalBlocks)
		startTime := time.Now()

		// Mint ids and register model scripts up front: the model is owned
		// by the engine goroutine once stepping starts.
		requestIDs := make([]string, len(session.Requests))
		for i, sreq := range session.Requests {
			requestIDs[i] = sreq.ID
			if requestIDs[i] == "" {
				requestIDs[i] = uuid.NewString()
			}
			for branch, script := range sreq.BranchScripts {
				model.SetScript(requestIDs[i], branch, script)
			}
		}

		// Feed requests from a separate goroutine through the engine inbox
		// while the engine steps; the inbox drains at the top of each step.
		var feederDone atomic.Bool
		var group errgroup.Group
		group.Go(func() error {
			defer feederDone.Store(true)
			for i, sreq := range session.Requests {
				if sreq.DelayMillis > 0 {
					time.Sleep(time.Duration(sreq.DelayMillis) * time.Millisecond)
				}
				generationCfg := sreq.GenerationCfg
				request := &serve.Request{
					ID:            requestIDs[i],
					Inputs:        []serve.Data{&serve.TokenData{TokenIDs: sreq.PromptTokens}},
					GenerationCfg: &generationCfg,
				}
				if err := engine.AddRequest(request); err != nil {
					return err
				}
			}
			return nil
		})

		steps := 0
		for steps < maxSteps {
			if engine.Idle() {
				if feederDone.Load() && engine.Idle() {
					break
				}
				time.Sleep(time.Millisecond)
				continue
			}
			engine.Step()
			steps++
		}
		if err := group.Wait(); err != nil {
			logrus.Fatalf("unable to submit requests: %v", err)
		}
		if !engine.Idle() {
			logrus.Warnf("session did not finish within %d steps", maxSteps)
		}

		stats := engine.Stats()
		fmt.Println("=== Engine Stats ===")
		fmt.Printf("Steps                : %d\n", steps)
		fmt.Printf("Prefill length       : %d\n", stats.TotalPrefillLength)
		fmt.Printf("Decode length        : %d\n", stats.TotalDecodeLength)
		fmt.Printf("Prefill time (sum)   : %.3fs\n", stats.RequestTotalPrefillTime)
		fmt.Printf("Decode time (sum)    : %.3fs\n", stats.RequestTotalDecodeTime)
		fmt.Printf("Wall time            : %s\n", time.Since(startTime))

		if showTrace {
			for _, record := range recorder.Records {
				fmt.Printf("[step %04d] %-16s %s\n", record.Step, record.Event, record.RequestID)
			}
		}

		logrus.Info("Session complete.")
	},
}

func init() {
	runCmd.Flags().StringVar(&sessionPath, "session", "session.yaml", "Path to the YAML session file")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().IntVar(&maxSteps, "max-steps", 10000, "Step budget for the session")
	runCmd.Flags().BoolVar(&showTrace, "show-trace", false, "Print the request lifecycle trace")
	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
