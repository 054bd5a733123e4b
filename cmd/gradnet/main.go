// Package main provides the gradnet command line.
//
//	gradnet train [-backend host] [-begin 0] [-plot losses.svg] <arch> [weights...]
//	gradnet test [-iters_per_save 0] <arch> <weights> [response=file...]
//	gradnet activations [-k 100] [-max_iter 0] [-prefix out/] <arch> <weights> <data> <response[:c,c...]>...
//	gradnet inspect <file>...
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

const version = "v0.1.0-dev"

var usages = map[string]string{
	"train":       "train [flags] <arch> [weights...]",
	"test":        "test [flags] <arch> <weights> [response=file...]",
	"activations": "activations [flags] <arch> <weights> <data> <response[:c,c...]>...",
	"inspect":     "inspect <file>...",
}

var commands = map[string]func(ctx context.Context, args []string) error{
	"train":       runTrain,
	"test":        runTest,
	"activations": runActivations,
	"inspect":     runInspect,
}

func usage() {
	fmt.Fprintf(os.Stderr, "gradnet %s\n\nCommands:\n", version)
	for _, name := range []string{"train", "test", "activations", "inspect"} {
		fmt.Fprintf(os.Stderr, "  gradnet %s\n", usages[name])
	}
	fmt.Fprintln(os.Stderr, "  gradnet version")
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	if args[0] == "version" {
		fmt.Printf("gradnet %s\n", version)
		return
	}
	run, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := exceptions.TryCatch[error](func() {
		if err := run(ctx, args[1:]); err != nil {
			panic(err)
		}
	})
	if err != nil {
		klog.Errorf("gradnet %s: %+v", args[0], err)
		klog.Flush()
		os.Exit(1)
	}
}
