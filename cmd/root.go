/*
Copyright © 2023 Glossopoeia
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/joomcode/errorx"
	"github.com/spf13/cobra"

	"github.com/glossopoeia/tapebc/bytecode"
	"github.com/glossopoeia/tapebc/idiom"
	"github.com/glossopoeia/tapebc/verify"
	"github.com/glossopoeia/tapebc/vm"
)

var (
	staticVerification bool
	idiomAnalysis      bool
)

var rootCmd = &cobra.Command{
	Use:   "tapebc <bytecode-file>",
	Short: "Interpret or analyze a Lama bytecode file",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().BoolVarP(&staticVerification, "static", "s", false, "verify the bytecode statically before running it")
	rootCmd.Flags().BoolVarP(&idiomAnalysis, "idiom", "i", false, "print instruction idiom frequencies instead of running the file")
}

// Execute runs the root command, exiting the process with a non-zero
// status on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path := args[0]

	file, err := bytecode.ReadFile(path)
	if err != nil {
		return reportAndFail(err)
	}

	if idiomAnalysis {
		return runIdiomAnalysis(file)
	}
	return runInterpreter(file)
}

func runIdiomAnalysis(file *bytecode.File) error {
	singles, pairs := idiom.Analyze(file)
	for _, f := range idiom.Interleaved(singles, pairs) {
		mnemonics := disassembleSpan(file, f.Span)
		fmt.Printf("%d\t%s\n", f.Count, mnemonics)
	}
	return nil
}

func disassembleSpan(file *bytecode.File, s idiom.Span) string {
	offset := s.Offset
	end := s.Offset + s.Length
	out := ""
	for offset < end {
		op := file.Instruction(offset)
		if out != "" {
			out += "; "
		}
		out += bytecode.Mnemonic(op)
		length := bytecode.InstructionLength(file, offset)
		if length <= 0 {
			break
		}
		offset += length
	}
	return out
}

func runInterpreter(file *bytecode.File) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*errorx.Error)
			if !ok {
				panic(r)
			}
			err = reportAndFail(errorx.Decorate(e, "%s", file.Path()))
		}
	}()

	mode := vm.DynamicVerification
	if staticVerification {
		if verify.VerifyFile(file) {
			mode = vm.StaticVerification
		} else {
			fmt.Fprintln(os.Stderr, "warning: static verification incomplete, falling back to dynamic verification")
		}
	}

	rt := vm.NewNativeRuntime(os.Stdin, os.Stdout)
	interp := vm.New(file, rt, mode)

	if err := interp.Run(); err != nil {
		return reportAndFail(err)
	}
	return nil
}

func reportAndFail(err error) error {
	fmt.Fprintln(os.Stderr, err.Error())
	return err
}
