package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-llamaload/internal/checkpoint"
	"github.com/23skdu/longbow-llamaload/internal/engine"
	"github.com/23skdu/longbow-llamaload/internal/envconfig"
	"github.com/23skdu/longbow-llamaload/internal/logger"
	"github.com/23skdu/longbow-llamaload/internal/manifest"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ckptctl",
		Short:         "Inspect, verify and generate dense model checkpoints",
		SilenceUsage:  true,
		SilenceErrors: false,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "Print the header and tensor layout of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
	inspectCmd.Flags().String("arrow", "", "Write the layout as an Arrow IPC file")
	inspectCmd.Flags().Bool("no-stage", false, "Only decode the header and derive the layout")
	inspectCmd.Flags().Bool("audit", false, "Scan every tensor for NaN/Inf")

	verifyCmd := &cobra.Command{
		Use:   "verify CHECKPOINT",
		Short: "Compare a checkpoint against an Arrow layout manifest",
		Args:  cobra.ExactArgs(1),
		RunE:  VerifyHandler,
	}
	verifyCmd.Flags().String("manifest", "", "Arrow manifest written by inspect --arrow")
	_ = verifyCmd.MarkFlagRequired("manifest")

	genCmd := &cobra.Command{
		Use:   "gen PATH",
		Short: "Write a synthetic checkpoint with pseudo-random weights",
		Args:  cobra.ExactArgs(1),
		RunE:  GenHandler,
	}
	genCmd.Flags().Int("dim", 64, "Model dimension")
	genCmd.Flags().Int("hidden-dim", 172, "Feed-forward hidden dimension")
	genCmd.Flags().Int("layers", 2, "Number of layers")
	genCmd.Flags().Int("heads", 4, "Number of query heads")
	genCmd.Flags().Int("kv-heads", 0, "Number of key/value heads (0 = heads)")
	genCmd.Flags().Int("vocab", 256, "Vocabulary size")
	genCmd.Flags().Int("seq-len", 128, "Maximum sequence length")
	genCmd.Flags().Bool("unshared", false, "Store a separate classifier instead of sharing the embedding")
	genCmd.Flags().Uint64("seed", 1, "Weight generator seed")
	genCmd.Flags().Float32("scale", 0.1, "Weights are uniform in [-scale, scale)")

	rootCmd.AddCommand(inspectCmd, verifyCmd, genCmd)
	return rootCmd
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	arrowPath, _ := cmd.Flags().GetString("arrow")
	noStage, _ := cmd.Flags().GetBool("no-stage")
	audit, _ := cmd.Flags().GetBool("audit")
	out := cmd.OutOrStdout()

	var layout *checkpoint.Layout
	if noStage {
		// A size mismatch still yields the header layout; show it before failing.
		l, err := checkpoint.ReadLayout(args[0])
		if l == nil {
			return err
		}
		fmt.Fprintf(out, "checkpoint  %s\n\n", args[0])
		if werr := engine.WriteLayout(out, l); werr != nil {
			return werr
		}
		if err != nil {
			return err
		}
		layout = l
	} else {
		mode, err := checkpoint.ParseStageMode(envconfig.Stage())
		if err != nil {
			return err
		}
		m, err := checkpoint.Load(args[0], checkpoint.WithStageMode(mode))
		if err != nil {
			return err
		}
		defer m.Close()
		if err := engine.WriteSummary(out, m); err != nil {
			return err
		}
		if audit {
			fmt.Fprintln(out)
			for _, r := range engine.AuditWeights(m) {
				fmt.Fprintln(out, r)
			}
		}
		layout = m.Layout
	}

	if arrowPath != "" {
		if err := manifest.WriteFile(arrowPath, layout); err != nil {
			return err
		}
		logger.Log.Info("Wrote layout manifest", "path", arrowPath, "tensors", len(layout.Tensors))
	}
	return nil
}

var errManifestMismatch = errors.New("checkpoint does not match manifest")

func VerifyHandler(cmd *cobra.Command, args []string) error {
	manifestPath, _ := cmd.Flags().GetString("manifest")

	want, tensors, err := manifest.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	got, err := checkpoint.ReadLayout(args[0])
	if err != nil {
		return err
	}

	diffs := manifest.Diff(tensors, got)
	if want != got.Config {
		diffs = append([]string{fmt.Sprintf("config: manifest %+v, checkpoint %+v", want, got.Config)}, diffs...)
	}
	for _, d := range diffs {
		fmt.Fprintln(cmd.OutOrStdout(), d)
	}
	if len(diffs) > 0 {
		return fmt.Errorf("%w: %d differences", errManifestMismatch, len(diffs))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s matches %s (%d tensors)\n", args[0], manifestPath, len(tensors))
	return nil
}

func GenHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	c := checkpoint.Config{}
	c.Dim, _ = flags.GetInt("dim")
	c.HiddenDim, _ = flags.GetInt("hidden-dim")
	c.NLayers, _ = flags.GetInt("layers")
	c.NHeads, _ = flags.GetInt("heads")
	c.NKVHeads, _ = flags.GetInt("kv-heads")
	c.VocabSize, _ = flags.GetInt("vocab")
	c.MaxSeqLen, _ = flags.GetInt("seq-len")
	unshared, _ := flags.GetBool("unshared")
	seed, _ := flags.GetUint64("seed")
	scale, _ := flags.GetFloat32("scale")

	if c.NKVHeads == 0 {
		c.NKVHeads = c.NHeads
	}
	c.SharedEmbedding = !unshared
	if err := c.Validate(); err != nil {
		return err
	}

	layout, err := checkpoint.WriteFile(args[0], c, checkpoint.RandomSource(seed, scale))
	if err != nil {
		return err
	}
	logger.Log.Info("Wrote checkpoint", "path", args[0], "bytes", layout.FileSize(), "shared", c.SharedEmbedding)
	return nil
}
